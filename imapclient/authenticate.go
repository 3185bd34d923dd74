package imapclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/go-kit/kit/log/level"

	"github.com/emersion/go-imappush"
	"github.com/emersion/go-imappush/internal"
	"github.com/emersion/go-imappush/internal/imapwire"
)

// authenticate logs in with the configured mechanism and returns the
// responses of the successful command, which may carry new capabilities.
func (c *Conn) authenticate(ctx context.Context) ([]*imapwire.Response, error) {
	username, password := c.settings.Username, c.settings.Password

	switch c.settings.AuthType {
	case imap.AuthPlain:
		if c.caps.Has(imap.CapAuthPlain) {
			return c.saslAuthenticate(sasl.NewPlainClient("", username, password))
		}
		if c.caps.Has(imap.CapLoginDisabled) {
			return nil, &imap.SecurityError{Msg: "LOGIN is disabled and AUTH=PLAIN is not advertised" + c.advertisedMechanisms()}
		}
		return c.login(username, password)
	case imap.AuthCRAMMD5:
		if !c.caps.Has(imap.CapAuthCRAMMD5) {
			return nil, fmt.Errorf("imapclient: server doesn't support CRAM-MD5%v", c.advertisedMechanisms())
		}
		return c.saslAuthenticate(internal.NewCRAMMD5Client(username, password))
	case imap.AuthXOAuth2:
		if !c.caps.Has(imap.CapAuthXOAuth2) || !c.caps.Has(imap.CapSASLIR) {
			return nil, fmt.Errorf("imapclient: server doesn't support XOAUTH2 with SASL-IR%v", c.advertisedMechanisms())
		}
		return c.authenticateXOAuth2(ctx)
	case imap.AuthExternal:
		if !c.caps.Has(imap.CapAuthExternal) {
			return nil, &imap.SecurityError{Msg: "server doesn't support AUTH=EXTERNAL" + c.advertisedMechanisms()}
		}
		return c.saslAuthenticate(sasl.NewExternalClient(username))
	default:
		return nil, fmt.Errorf("imapclient: unsupported authentication type %v", c.settings.AuthType)
	}
}

// advertisedMechanisms describes the SASL mechanisms the server offers, for
// error messages.
func (c *Conn) advertisedMechanisms() string {
	mechs := c.caps.AuthMechanisms()
	if len(mechs) == 0 {
		return " (no SASL mechanism advertised)"
	}
	slices.Sort(mechs)
	return " (advertised: " + strings.Join(mechs, ", ") + ")"
}

func (c *Conn) login(username, password string) ([]*imapwire.Response, error) {
	responses, err := c.ExecuteSensitiveCommand("LOGIN " + quoteAll(username, password))
	if err != nil {
		return nil, authError(err)
	}
	return responses, nil
}

// authenticateXOAuth2 retries once with a fresh token if the server rejects
// the cached one.
func (c *Conn) authenticateXOAuth2(ctx context.Context) ([]*imapwire.Response, error) {
	provider := c.options.TokenProvider
	if provider == nil {
		return nil, fmt.Errorf("imapclient: XOAUTH2 requires a token provider")
	}
	username := c.settings.Username

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var token string
		token, err = provider.Token(ctx, username)
		if err != nil {
			return nil, fmt.Errorf("imapclient: failed to fetch OAuth token: %w", err)
		}

		client := &internal.XOAuth2Client{Username: username, Token: token}
		var responses []*imapwire.Response
		responses, err = c.saslAuthenticate(client)
		if err == nil {
			return responses, nil
		}
		if client.Failure != nil {
			level.Debug(c.logger).Log("msg", "XOAUTH2 failure", "details", string(client.Failure))
		}
		if !imap.IsAuthError(err) {
			return nil, err
		}
		provider.Invalidate(username)
	}
	return nil, err
}

// saslAuthenticate runs an AUTHENTICATE exchange.
func (c *Conn) saslAuthenticate(client sasl.Client) ([]*imapwire.Response, error) {
	mech, ir, err := client.Start()
	if err != nil {
		return nil, err
	}

	cmd := "AUTHENTICATE " + mech
	if ir != nil && c.caps.Has(imap.CapSASLIR) {
		cmd += " " + internal.EncodeSASL(ir)
		ir = nil
	}
	tag, err := c.SendCommand(cmd, true)
	if err != nil {
		return nil, err
	}

	var responses []*imapwire.Response
	for {
		resp, err := c.ReadResponse(nil)
		if err != nil {
			return nil, err
		}

		if resp.Continuation {
			line, err := c.saslStep(client, resp.Text(), &ir)
			if err != nil {
				// Abort the exchange, the server replies with BAD.
				c.sendContinuation("*", false)
				c.ReadStatusResponse(tag, imap.SensitiveCommand, nil, nil)
				return nil, err
			}
			if err := c.sendContinuation(line, true); err != nil {
				return nil, err
			}
			continue
		}

		if resp.IsTagged() && resp.Tag != tag {
			level.Warn(c.logger).Log("msg", "discarding response with unexpected tag", "tag", resp.Tag, "want", tag)
			continue
		}
		responses = append(responses, resp)
		if resp.IsTagged() {
			break
		}
	}

	completion := responses[len(responses)-1]
	if completion.Type() != string(imap.StatusResponseTypeOK) {
		return nil, authError(newCommandError(completion, responses, imap.SensitiveCommand))
	}
	return responses, nil
}

// saslStep computes the reply to a server challenge. An empty challenge asks
// for the initial response if it wasn't sent with the command.
func (c *Conn) saslStep(client sasl.Client, challengeStr string, ir *[]byte) (string, error) {
	if challengeStr == "" && *ir != nil {
		line := internal.EncodeSASL(*ir)
		*ir = nil
		return line, nil
	}

	challenge, err := internal.DecodeSASL(challengeStr)
	if err != nil {
		return "", fmt.Errorf("imapclient: invalid SASL challenge: %w", err)
	}
	resp, err := client.Next(challenge)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(resp), nil
}

// authError turns a rejection without a response code, or with
// AUTHENTICATIONFAILED, into an *imap.AuthError.
func authError(err error) error {
	var imapErr *imap.Error
	if !errors.As(err, &imapErr) {
		return err
	}
	switch imapErr.Code {
	case "", imap.ResponseCodeAuthenticationFailed:
		return &imap.AuthError{Err: err}
	default:
		return err
	}
}
