package imapclient

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/go-kit/kit/log/level"
	"github.com/klauspost/compress/flate"

	"github.com/emersion/go-imappush"
	"github.com/emersion/go-imappush/internal"
)

func (c *Conn) enableCompressionIfRequested() error {
	if !c.caps.Has(imap.CapCompressDeflate) || !c.settings.UseCompression(c.options.networkType()) {
		return nil
	}

	_, err := c.ExecuteSimpleCommand("COMPRESS " + imap.CompressDeflate)
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		level.Debug(c.logger).Log("msg", "unable to negotiate compression", "err", err)
		return nil
	} else if err != nil {
		return err
	}

	c.mutex.Lock()
	conn, br := c.conn, c.br
	c.mutex.Unlock()
	if conn == nil {
		return ErrClosed
	}

	// Compressed data may already sit in the read buffer.
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, br, int64(br.Buffered())); err != nil {
		panic(err) // unreachable
	}
	var raw net.Conn = conn
	if buf.Len() > 0 {
		raw = startTLSConn{conn, io.MultiReader(&buf, conn)}
	}

	deflateConn, err := internal.NewDeflateConn(raw, flate.DefaultCompression)
	if err != nil {
		c.Close()
		return fmt.Errorf("imapclient: failed to enable compression: %w", err)
	}
	c.setTransport(deflateConn)
	level.Debug(c.logger).Log("msg", "compression enabled")
	return nil
}
