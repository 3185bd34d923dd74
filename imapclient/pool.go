package imapclient

import (
	"context"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/emersion/go-imappush"
)

// Pool caches idle connections to one server.
//
// Connections are handed out most-recently-released first and checked with
// NOOP before reuse. A connection in the pool has no mailbox selected.
type Pool struct {
	settings *imap.Settings
	options  Options
	logger   log.Logger

	mu     sync.Mutex
	idle   []*Conn
	closed bool
}

// NewPool creates a new connection pool. A nil options pointer is equivalent
// to a zero options value.
func NewPool(settings *imap.Settings, options *Options) *Pool {
	if options == nil {
		options = &Options{}
	}
	return &Pool{
		settings: settings,
		options:  *options,
		logger:   log.With(options.logger(), "component", "pool"),
	}
}

// Acquire returns a live connection, opening a new one if no idle connection
// passes the liveness probe.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	for {
		conn := p.pop()
		if conn == nil {
			break
		}
		if err := conn.Noop(); err != nil {
			level.Debug(p.logger).Log("msg", "discarding dead pooled connection", "err", err)
			conn.Close()
			continue
		}
		return conn, nil
	}

	conn := NewConn(p.settings, &p.options)
	if err := conn.Open(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

func (p *Pool) pop() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.idle)
	if n == 0 {
		return nil
	}
	conn := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	return conn
}

// Release returns a connection to the pool. Closed connections are dropped.
// The caller must have left the selected state, e.g. with CLOSE or UNSELECT,
// or close the connection instead.
func (p *Pool) Release(conn *Conn) {
	if conn == nil || !conn.IsConnected() {
		return
	}

	p.mu.Lock()
	closed := p.closed
	if !closed {
		p.idle = append(p.idle, conn)
	}
	p.mu.Unlock()

	if closed {
		conn.Close()
	}
}

// Close closes all idle connections. Connections released afterwards are
// closed immediately.
func (p *Pool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	for _, conn := range idle {
		conn.Close()
	}
	return nil
}

// Len returns the number of idle connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Settings returns the server settings shared by the pooled connections.
func (p *Pool) Settings() *imap.Settings {
	return p.settings
}
