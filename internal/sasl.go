package internal

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"github.com/emersion/go-sasl"
)

func EncodeSASL(b []byte) string {
	if len(b) == 0 {
		return "="
	} else {
		return base64.StdEncoding.EncodeToString(b)
	}
}

func DecodeSASL(s string) ([]byte, error) {
	if s == "=" {
		// go-sasl treats nil as no challenge/response, so return a non-nil
		// empty byte slice
		return []byte{}, nil
	} else {
		return base64.StdEncoding.DecodeString(s)
	}
}

// CRAMMD5 is the CRAM-MD5 mechanism name.
const CRAMMD5 = "CRAM-MD5"

type cramMD5Client struct {
	username, password string
}

// NewCRAMMD5Client implements the CRAM-MD5 mechanism defined in RFC 2195.
func NewCRAMMD5Client(username, password string) sasl.Client {
	return &cramMD5Client{username, password}
}

func (c *cramMD5Client) Start() (mech string, ir []byte, err error) {
	return CRAMMD5, nil, nil
}

func (c *cramMD5Client) Next(challenge []byte) ([]byte, error) {
	if len(challenge) == 0 {
		return nil, errors.New("sasl: CRAM-MD5 expects a challenge")
	}
	h := hmac.New(md5.New, []byte(c.password))
	h.Write(challenge)
	return []byte(c.username + " " + hex.EncodeToString(h.Sum(nil))), nil
}

// XOAuth2 is the XOAUTH2 mechanism name.
const XOAuth2 = "XOAUTH2"

// XOAuth2Client implements the XOAUTH2 mechanism described in
// https://developers.google.com/gmail/imap/xoauth2-protocol.
type XOAuth2Client struct {
	Username string
	Token    string

	// Failure holds the JSON error document sent by the server before it
	// rejects the token.
	Failure []byte
}

func (c *XOAuth2Client) Start() (mech string, ir []byte, err error) {
	ir = []byte("user=" + c.Username + "\x01auth=Bearer " + c.Token + "\x01\x01")
	return XOAuth2, ir, nil
}

// Next answers the error challenge with an empty response, after which the
// server completes the command with NO.
func (c *XOAuth2Client) Next(challenge []byte) ([]byte, error) {
	c.Failure = challenge
	return []byte{}, nil
}
