package imapclient

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"

	"github.com/go-kit/kit/log/level"

	"github.com/emersion/go-imappush"
)

func (c *Conn) upgradeToTLSIfNecessary() error {
	switch c.settings.Security {
	case imap.SecurityStartTLSRequired:
		if !c.caps.Has(imap.CapStartTLS) {
			return &imap.SecurityError{Msg: "STARTTLS connection security not available"}
		}
	case imap.SecurityStartTLSOptional:
		if !c.caps.Has(imap.CapStartTLS) {
			level.Info(c.logger).Log("msg", "server doesn't advertise STARTTLS, continuing unencrypted")
			return nil
		}
	default:
		return nil
	}

	if err := c.startTLS(c.options.tlsConfig(c.settings)); err != nil {
		return err
	}
	// Capabilities must be discarded after the upgrade (RFC 9051 section
	// 6.2.1).
	return c.requestCapabilities()
}

// startTLS sends a STARTTLS command and performs the TLS handshake.
func (c *Conn) startTLS(config *tls.Config) error {
	if _, err := c.ExecuteSimpleCommand("STARTTLS"); err != nil {
		return err
	}

	c.mutex.Lock()
	conn, br := c.conn, c.br
	c.mutex.Unlock()
	if conn == nil {
		return ErrClosed
	}

	// Drain buffered data from our bufio.Reader
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, br, int64(br.Buffered())); err != nil {
		panic(err) // unreachable
	}

	var cleartextConn net.Conn
	if buf.Len() > 0 {
		r := io.MultiReader(&buf, conn)
		cleartextConn = startTLSConn{conn, r}
	} else {
		cleartextConn = conn
	}

	tlsConn := tls.Client(cleartextConn, config)
	if err := tlsConn.Handshake(); err != nil {
		c.Close()
		return fmt.Errorf("imapclient: TLS handshake failed: %w", err)
	}
	c.setTransport(tlsConn)
	return nil
}

type startTLSConn struct {
	net.Conn
	r io.Reader
}

func (conn startTLSConn) Read(b []byte) (int, error) {
	return conn.r.Read(b)
}
