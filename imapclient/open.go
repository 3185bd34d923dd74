package imapclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/go-kit/kit/log/level"

	"github.com/emersion/go-imappush"
	"github.com/emersion/go-imappush/internal/imapwire"
)

// Open connects to the server and performs the handshake: greeting,
// capabilities, STARTTLS, authentication, ID, compression and namespace
// discovery.
//
// Open is a no-op if the connection is already open. On failure the
// connection is closed. Authentication failures are returned as
// *imap.AuthError and security policy failures as *imap.SecurityError.
func (c *Conn) Open(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}

	c.caps = nil
	c.pathPrefix = nil
	c.delimiter = ""
	c.lineLimit = lineLengthLimit

	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	c.setTransport(conn)

	if err := c.handshake(ctx); err != nil {
		c.Close()
		return err
	}
	level.Info(c.logger).Log("msg", "connection established", "caps", len(c.caps))
	return nil
}

// connect tries every resolved address of the host in turn.
func (c *Conn) connect(ctx context.Context) (net.Conn, error) {
	addrs, err := c.options.lookupHost(ctx, c.settings.Host)
	if err != nil {
		return nil, fmt.Errorf("imapclient: failed to resolve %v: %w", c.settings.Host, err)
	} else if len(addrs) == 0 {
		return nil, fmt.Errorf("imapclient: no address for %v", c.settings.Host)
	}

	_, port, err := net.SplitHostPort(c.settings.Address())
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, addr := range addrs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		address := net.JoinHostPort(addr, port)
		conn, err := c.options.dial(ctx, address)
		if err != nil {
			level.Debug(c.logger).Log("msg", "failed to connect", "addr", address, "err", err)
			lastErr = err
			continue
		}

		if c.settings.Security.ImplicitTLS() {
			tlsConn := tls.Client(conn, c.options.tlsConfig(c.settings))
			hsCtx, cancel := context.WithTimeout(ctx, c.options.connectTimeout())
			err = tlsConn.HandshakeContext(hsCtx)
			cancel()
			if err != nil {
				conn.Close()
				level.Debug(c.logger).Log("msg", "TLS handshake failed", "addr", address, "err", err)
				lastErr = err
				continue
			}
			conn = tlsConn
		}
		return conn, nil
	}
	return nil, fmt.Errorf("imapclient: failed to connect to %v: %w", c.settings.Address(), lastErr)
}

func (c *Conn) handshake(ctx context.Context) error {
	greeting, err := c.ReadResponse(nil)
	if err != nil {
		return fmt.Errorf("imapclient: failed to read greeting: %w", err)
	}
	preAuth := false
	switch greeting.Type() {
	case "OK":
	case "PREAUTH":
		preAuth = true
	case "BYE":
		return fmt.Errorf("imapclient: server rejected connection: %v", greeting.Text())
	default:
		return &imapwire.ProtocolError{Msg: fmt.Sprintf("unexpected greeting %q", greeting.Type())}
	}

	if !c.extractCapabilities([]*imapwire.Response{greeting}) {
		if err := c.requestCapabilities(); err != nil {
			return err
		}
	}

	if err := c.upgradeToTLSIfNecessary(); err != nil {
		return err
	}

	if !preAuth {
		responses, err := c.authenticate(ctx)
		if err != nil {
			return err
		}
		if !c.extractCapabilities(responses) {
			if err := c.requestCapabilities(); err != nil {
				return err
			}
		}
	}

	if c.caps.Has(imap.CapCondStore) {
		c.lineLimit = lineLengthLimitCondStore
	}

	if err := c.sendClientInfo(); err != nil {
		return err
	}
	if err := c.enableCompressionIfRequested(); err != nil {
		return err
	}
	if err := c.retrievePathPrefixIfNecessary(); err != nil {
		return err
	}
	return c.retrievePathDelimiterIfNecessary()
}

// extractCapabilities looks for a CAPABILITY response or response code. It
// returns false if none was found.
func (c *Conn) extractCapabilities(responses []*imapwire.Response) bool {
	for _, resp := range responses {
		var tokens imapwire.List
		if resp.IsStatus() && resp.CodeName() == string(imap.ResponseCodeCapability) {
			tokens = resp.Code()[1:]
		} else if !resp.IsTagged() && resp.Type() == "CAPABILITY" {
			tokens = resp.Fields[1:]
		} else {
			continue
		}
		c.caps = imap.NewCapSet(tokens.Strings())
		level.Debug(c.logger).Log("msg", "capabilities", "caps", fmt.Sprint(tokens.Strings()))
		return true
	}
	return false
}

func (c *Conn) requestCapabilities() error {
	responses, err := c.ExecuteSimpleCommand("CAPABILITY")
	if err != nil {
		return err
	}
	if !c.extractCapabilities(responses) {
		return &imapwire.ProtocolError{Msg: "invalid CAPABILITY response"}
	}
	return nil
}

func (c *Conn) sendClientInfo() error {
	info := c.options.ClientInfo
	if info == nil || !c.caps.Has(imap.CapID) {
		return nil
	}
	cmd := "ID (" + quoteAll("name", info.Name, "version", info.Version) + ")"
	_, err := c.ExecuteSimpleCommand(cmd)
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		level.Debug(c.logger).Log("msg", "ignoring negative response to ID command", "err", err)
		return nil
	}
	return err
}

func (c *Conn) retrievePathPrefixIfNecessary() error {
	if c.settings.PathPrefix != "" || !c.settings.AutoDetectNamespace {
		prefix := c.settings.PathPrefix
		c.pathPrefix = &prefix
		return nil
	}
	if !c.caps.Has(imap.CapNamespace) {
		level.Debug(c.logger).Log("msg", "NAMESPACE not supported, using empty path prefix")
		empty := ""
		c.pathPrefix = &empty
		return nil
	}

	responses, err := c.ExecuteSimpleCommand("NAMESPACE")
	if err != nil {
		return err
	}
	prefix := ""
	for _, resp := range responses {
		if resp.IsTagged() || resp.Type() != "NAMESPACE" {
			continue
		}
		// * NAMESPACE (("INBOX." ".")) NIL NIL
		personal := resp.Fields.List(1).List(0)
		if len(personal) >= 2 {
			prefix = personal.String(0)
			if delim := personal.String(1); delim != "" && c.delimiter == "" {
				c.delimiter = delim
			}
		}
		break
	}
	c.pathPrefix = &prefix
	level.Debug(c.logger).Log("msg", "path prefix from NAMESPACE", "prefix", prefix, "delimiter", c.delimiter)
	return nil
}

func (c *Conn) retrievePathDelimiterIfNecessary() error {
	if c.settings.Delimiter != "" {
		c.delimiter = c.settings.Delimiter
		return nil
	}
	if c.delimiter != "" {
		return nil
	}

	responses, err := c.ExecuteSimpleCommand(`LIST "" ""`)
	if err != nil {
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			level.Debug(c.logger).Log("msg", "failed to retrieve path delimiter", "err", err)
			return nil
		}
		return err
	}
	for _, resp := range responses {
		if !resp.IsTagged() && resp.Type() == "LIST" {
			if delim := resp.Fields.String(2); delim != "" && delim != "NIL" {
				c.delimiter = delim
			}
			break
		}
	}
	return nil
}
