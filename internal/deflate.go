package internal

import (
	"io"
	"net"

	"github.com/klauspost/compress/flate"
)

// DeflateConn wraps both directions of a connection in the raw DEFLATE
// codec negotiated with COMPRESS=DEFLATE (RFC 4978).
//
// Writes are buffered by the compressor until Flush is called.
type DeflateConn struct {
	net.Conn

	r io.ReadCloser
	w *flate.Writer
}

func (c *DeflateConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

func (c *DeflateConn) Write(b []byte) (int, error) {
	return c.w.Write(b)
}

type flusher interface {
	Flush() error
}

// Flush emits a sync flush block so the server can decode everything
// written so far.
func (c *DeflateConn) Flush() error {
	if err := c.w.Flush(); err != nil {
		return err
	}
	if f, ok := c.Conn.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// Close closes the underlying connection first, so that a read blocked in
// the decompressor returns.
func (c *DeflateConn) Close() error {
	err := c.Conn.Close()
	c.r.Close()
	return err
}

// NewDeflateConn wraps c. Data already buffered from c must have been
// drained into it by the caller.
func NewDeflateConn(c net.Conn, level int) (*DeflateConn, error) {
	w, err := flate.NewWriter(c, level)
	if err != nil {
		return nil, err
	}
	return &DeflateConn{
		Conn: c,
		r:    flate.NewReader(c),
		w:    w,
	}, nil
}
