package imapclient

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/emersion/go-imappush"
)

const (
	defaultConnectTimeout  = 30 * time.Second
	defaultReadTimeout     = 5 * time.Minute
	defaultLongReadTimeout = 30 * time.Minute
)

// TokenProvider supplies OAuth 2.0 access tokens for XOAUTH2.
type TokenProvider interface {
	Token(ctx context.Context, username string) (string, error)
	// Invalidate discards a token the server rejected, so that the next
	// call to Token fetches a fresh one.
	Invalidate(username string)
}

// ClientInfo is sent with the ID command when the server supports it.
type ClientInfo struct {
	Name    string
	Version string
}

// Options contains options for Conn.
type Options struct {
	Logger log.Logger
	// Raw ingress data and egress command lines will be written to this
	// writer, if any. Credentials are replaced with a placeholder.
	DebugWriter io.Writer

	// LookupHost resolves the server host name. Each address is tried in
	// turn until one accepts the connection.
	LookupHost  func(ctx context.Context, host string) ([]string, error)
	DialContext func(ctx context.Context, network, address string) (net.Conn, error)
	TLSConfig   *tls.Config

	TokenProvider TokenProvider
	ClientInfo    *ClientInfo
	// NetworkType reports the network currently in use, to decide whether
	// compression is enabled.
	NetworkType func() imap.NetworkType

	ConnectTimeout time.Duration
	// ReadTimeout bounds each read of an ordinary command response.
	ReadTimeout time.Duration
	// LongReadTimeout is used for initial syncs and large transfers.
	LongReadTimeout time.Duration
}

func (options *Options) logger() log.Logger {
	if options.Logger == nil {
		return log.NewNopLogger()
	}
	return options.Logger
}

func (options *Options) lookupHost(ctx context.Context, host string) ([]string, error) {
	if options.LookupHost != nil {
		return options.LookupHost(ctx, host)
	}
	if net.ParseIP(host) != nil {
		return []string{host}, nil
	}
	return net.DefaultResolver.LookupHost(ctx, host)
}

func (options *Options) dial(ctx context.Context, address string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, options.connectTimeout())
	defer cancel()

	if options.DialContext != nil {
		return options.DialContext(ctx, "tcp", address)
	}
	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", address)
}

func (options *Options) tlsConfig(settings *imap.Settings) *tls.Config {
	var config *tls.Config
	if options.TLSConfig != nil {
		config = options.TLSConfig.Clone()
	} else {
		config = &tls.Config{}
	}
	if config.ServerName == "" {
		config.ServerName = settings.Host
	}
	if !settings.Security.Verify() {
		config.InsecureSkipVerify = true
	}
	return config
}

func (options *Options) networkType() imap.NetworkType {
	if options.NetworkType == nil {
		return imap.NetworkOther
	}
	return options.NetworkType()
}

func (options *Options) connectTimeout() time.Duration {
	if options.ConnectTimeout > 0 {
		return options.ConnectTimeout
	}
	return defaultConnectTimeout
}

func (options *Options) readTimeout() time.Duration {
	if options.ReadTimeout > 0 {
		return options.ReadTimeout
	}
	return defaultReadTimeout
}

func (options *Options) longReadTimeout() time.Duration {
	if options.LongReadTimeout > 0 {
		return options.LongReadTimeout
	}
	return defaultLongReadTimeout
}

func (options *Options) wrapReader(r io.Reader) io.Reader {
	if options.DebugWriter == nil {
		return r
	}
	return io.TeeReader(r, options.DebugWriter)
}
