// Package archive uploads raw messages to an S3 bucket.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/emersion/go-imappush/imapstore"
	"github.com/emersion/go-imappush/internal/config"
)

// PutObjectAPI is the part of the S3 client used by Archive.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archive stores messages under "<prefix>/<account>/<folder>/<uidvalidity>-<uid>.eml".
type Archive struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// New creates an archive using the default AWS credential chain.
func New(ctx context.Context, cfg *config.Archive) (*Archive, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient creates an archive using an existing client.
func NewWithClient(client PutObjectAPI, bucket, prefix string) *Archive {
	return &Archive{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key of a message.
func (a *Archive) Key(account, folder string, uidValidity, uid int64) string {
	name := strconv.FormatInt(uidValidity, 10) + "-" + strconv.FormatInt(uid, 10) + ".eml"
	return path.Join(a.prefix, account, folder, name)
}

// Put uploads the body of a message.
func (a *Archive) Put(ctx context.Context, account, folder string, uidValidity int64, msg *imapstore.Message) error {
	metadata := map[string]string{
		"uid": strconv.FormatInt(msg.UID, 10),
	}
	if id := msg.MessageID(); id != "" {
		metadata["message-id"] = id
	}
	if msg.Partial {
		metadata["partial"] = "true"
	}

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(a.Key(account, folder, uidValidity, msg.UID)),
		Body:          bytes.NewReader(msg.Body),
		ContentLength: aws.Int64(int64(len(msg.Body))),
		ContentType:   aws.String("message/rfc822"),
		Metadata:      metadata,
	})
	if err != nil {
		return fmt.Errorf("archive: failed to upload message %v: %w", msg.UID, err)
	}
	return nil
}
