// Package imaptest provides a scripted IMAP server for tests.
//
// Each connection accepted by a Server runs the next Script in order on the
// server side of a net.Pipe. Scripts read command lines and write responses
// through a Conn.
package imaptest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imappush"
)

const scriptTimeout = 10 * time.Second

// Credentials expected by Conn.Handshake.
const (
	Username = "alice"
	Password = "secret"
)

// Settings returns plaintext settings suitable for Conn.Handshake.
func Settings() *imap.Settings {
	return &imap.Settings{
		Host:      "imap.example.org",
		Port:      143,
		Security:  imap.SecurityNone,
		AuthType:  imap.AuthPlain,
		Username:  Username,
		Password:  Password,
		Delimiter: "/",
	}
}

// Script plays the server side of one connection.
type Script func(c *Conn)

// Server hands out in-memory connections served by scripts.
type Server struct {
	t testing.TB

	// Addrs is returned by LookupHost. Defaults to a single address.
	Addrs []string
	// Refuse lists the addresses ("host:port") that fail to dial.
	Refuse map[string]bool

	mu      sync.Mutex
	scripts []Script
	dialed  []string
	wg      sync.WaitGroup
}

// NewServer creates a server running the given scripts, one per accepted
// connection. The test fails if a connection is dialed after the scripts are
// exhausted. Cleanup waits for all scripts to finish.
func NewServer(t testing.TB, scripts ...Script) *Server {
	s := &Server{t: t, scripts: scripts}
	t.Cleanup(s.wg.Wait)
	return s
}

// LookupHost implements imapclient.Options.LookupHost.
func (s *Server) LookupHost(ctx context.Context, host string) ([]string, error) {
	if len(s.Addrs) == 0 {
		return []string{"192.0.2.1"}, nil
	}
	return s.Addrs, nil
}

// DialContext implements imapclient.Options.DialContext.
func (s *Server) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	s.mu.Lock()
	s.dialed = append(s.dialed, address)
	if s.Refuse[address] {
		s.mu.Unlock()
		return nil, &net.OpError{Op: "dial", Net: network, Err: errors.New("connection refused")}
	}
	if len(s.scripts) == 0 {
		s.mu.Unlock()
		s.t.Errorf("unexpected connection to %v", address)
		return nil, errors.New("imaptest: no script left")
	}
	script := s.scripts[0]
	s.scripts = s.scripts[1:]
	s.mu.Unlock()

	clientConn, serverConn := net.Pipe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer serverConn.Close()
		serverConn.SetDeadline(time.Now().Add(scriptTimeout))
		script(&Conn{t: s.t, conn: serverConn, br: bufio.NewReader(serverConn)})
	}()
	return clientConn, nil
}

// Dialed returns the addresses dialed so far.
func (s *Server) Dialed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.dialed...)
}

// Conn is the server side of a scripted connection.
type Conn struct {
	t    testing.TB
	conn net.Conn
	br   *bufio.Reader
}

// ReadLine reads a line sent by the client, without the trailing CRLF.
func (c *Conn) ReadLine() string {
	l, err := c.br.ReadString('\n')
	if err != nil {
		c.t.Errorf("imaptest: ReadLine() = %v", err)
		return ""
	}
	return strings.TrimSuffix(l, "\r\n")
}

// Expect reads a command line, checks that the command following the tag
// equals cmd and returns the tag.
func (c *Conn) Expect(cmd string) string {
	l := c.ReadLine()
	tag, rest, _ := strings.Cut(l, " ")
	if rest != cmd {
		c.t.Errorf("imaptest: got command %q, want %q", rest, cmd)
	}
	return tag
}

// ExpectPrefix is like Expect, but only checks the start of the command and
// returns it as well.
func (c *Conn) ExpectPrefix(prefix string) (tag, cmd string) {
	l := c.ReadLine()
	tag, cmd, _ = strings.Cut(l, " ")
	if !strings.HasPrefix(cmd, prefix) {
		c.t.Errorf("imaptest: got command %q, want prefix %q", cmd, prefix)
	}
	return tag, cmd
}

// ReadLiteral reads n bytes of literal data.
func (c *Conn) ReadLiteral(n int) string {
	b := make([]byte, n)
	if _, err := io.ReadFull(c.br, b); err != nil {
		c.t.Errorf("imaptest: ReadLiteral() = %v", err)
	}
	return string(b)
}

// Writef writes a formatted line followed by CRLF.
func (c *Conn) Writef(format string, args ...any) {
	c.Write(fmt.Sprintf(format, args...))
}

// Write writes lines, each followed by CRLF.
func (c *Conn) Write(lines ...string) {
	for _, l := range lines {
		if _, err := io.WriteString(c.conn, l+"\r\n"); err != nil {
			c.t.Errorf("imaptest: Write() = %v", err)
			return
		}
	}
}

// Greet sends an OK greeting advertising the given capabilities.
func (c *Conn) Greet(caps ...string) {
	if len(caps) == 0 {
		caps = []string{"IMAP4rev1"}
	}
	c.Writef("* OK [CAPABILITY %v] ready", strings.Join(caps, " "))
}

// OK completes a command.
func (c *Conn) OK(tag string, text string) {
	c.Writef("%v OK %v", tag, text)
}

// Login accepts a LOGIN command with the given credentials, advertising caps
// in the completion.
func (c *Conn) Login(username, password string, caps ...string) {
	tag := c.Expect(fmt.Sprintf("LOGIN %q %q", username, password))
	if len(caps) == 0 {
		caps = []string{"IMAP4rev1"}
	}
	c.Writef("%v OK [CAPABILITY %v] LOGIN completed", tag, strings.Join(caps, " "))
}

// Handshake plays the greeting and a LOGIN with the credentials of Settings.
func (c *Conn) Handshake(caps ...string) {
	c.Greet(caps...)
	c.Login(Username, Password, caps...)
}

// Close closes the connection, e.g. to simulate a network failure.
func (c *Conn) Close() {
	c.conn.Close()
}

// WaitClosed blocks until the client closes the connection.
func (c *Conn) WaitClosed() {
	io.Copy(io.Discard, c.br)
}
