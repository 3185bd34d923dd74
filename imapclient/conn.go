// Package imapclient implements IMAP connections and a connection pool.
//
// A Conn runs one command at a time: the caller sends a command, then reads
// responses until the tagged completion. Conn is not safe for concurrent use,
// except for Close, SendContinuation and SetReadTimeout which may be called
// from another goroutine to interrupt a long-running command such as IDLE.
package imapclient

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/emersion/go-imappush"
	"github.com/emersion/go-imappush/internal/imapwire"
)

// ErrClosed is returned when using a connection that was closed.
var ErrClosed = errors.New("imapclient: connection closed")

const (
	lineLengthLimit          = 980
	lineLengthLimitCondStore = 8172
)

// UntaggedHandler is called for every response read while waiting for a
// command completion, before the response is collected.
type UntaggedHandler func(resp *imapwire.Response)

// Conn is a connection to an IMAP server.
type Conn struct {
	settings *imap.Settings
	options  Options
	logger   log.Logger

	mutex       sync.Mutex
	conn        net.Conn
	br          *bufio.Reader
	bw          *bufio.Writer
	dec         *imapwire.Decoder
	readTimeout time.Duration

	// encMutex serializes writes: command lines and continuation data may
	// come from different goroutines while IDLE is running.
	encMutex sync.Mutex
	cmdTag   uint64

	caps       imap.CapSet
	pathPrefix *string
	delimiter  string
	lineLimit  int
}

// NewConn creates a new connection.
//
// This function doesn't perform I/O. A nil options pointer is equivalent to
// a zero options value.
func NewConn(settings *imap.Settings, options *Options) *Conn {
	if options == nil {
		options = &Options{}
	}
	c := &Conn{
		settings:  settings,
		options:   *options,
		lineLimit: lineLengthLimit,
	}
	c.logger = log.With(options.logger(), "host", settings.Host)
	c.readTimeout = c.options.readTimeout()
	return c
}

// setTransport installs a new underlying connection, e.g. after a TLS or
// compression upgrade.
func (c *Conn) setTransport(conn net.Conn) {
	br := bufio.NewReader(c.options.wrapReader(conn))

	c.mutex.Lock()
	c.conn = conn
	c.br = br
	c.bw = bufio.NewWriter(conn)
	c.dec = imapwire.NewDecoder(br)
	c.mutex.Unlock()
}

func (c *Conn) transport() (net.Conn, *imapwire.Decoder, time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.conn, c.dec, c.readTimeout
}

// IsConnected reports whether the connection is open.
func (c *Conn) IsConnected() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.conn != nil
}

// Close immediately closes the connection. It is safe to call Close from
// another goroutine to unblock a pending read, and to call it more than once.
func (c *Conn) Close() error {
	c.mutex.Lock()
	conn := c.conn
	c.conn = nil
	c.mutex.Unlock()

	if conn == nil {
		return nil
	}
	level.Debug(c.logger).Log("msg", "closing connection")
	return conn.Close()
}

// SetReadTimeout changes the read timeout. It applies to a read already in
// progress as well as to subsequent ones.
func (c *Conn) SetReadTimeout(d time.Duration) {
	c.mutex.Lock()
	c.readTimeout = d
	conn := c.conn
	c.mutex.Unlock()

	if conn != nil {
		conn.SetReadDeadline(time.Now().Add(d))
	}
}

// SetDefaultReadTimeout restores the ordinary command read timeout.
func (c *Conn) SetDefaultReadTimeout() {
	c.SetReadTimeout(c.options.readTimeout())
}

// SetLongReadTimeout switches to the timeout used for large transfers.
func (c *Conn) SetLongReadTimeout() {
	c.SetReadTimeout(c.options.longReadTimeout())
}

// Caps returns the capabilities advertised by the server.
func (c *Conn) Caps() imap.CapSet {
	return c.caps
}

// HasCap checks whether the server advertises a capability.
func (c *Conn) HasCap(name imap.Cap) bool {
	return c.caps.Has(name)
}

// IsIdleCapable reports whether the server supports IDLE.
func (c *Conn) IsIdleCapable() bool {
	return c.caps.Has(imap.CapIdle)
}

// IsUIDPlusCapable reports whether the server supports UID EXPUNGE and
// COPYUID/APPENDUID response codes.
func (c *Conn) IsUIDPlusCapable() bool {
	return c.caps.Has(imap.CapUIDPlus)
}

// PathPrefix returns the namespace prefix of folder names.
func (c *Conn) PathPrefix() string {
	if c.pathPrefix == nil {
		return ""
	}
	return *c.pathPrefix
}

// Delimiter returns the hierarchy delimiter, or "" if unknown.
func (c *Conn) Delimiter() string {
	return c.delimiter
}

// LineLengthLimit returns the maximum length of a command line.
func (c *Conn) LineLengthLimit() int {
	return c.lineLimit
}

func (c *Conn) writeLine(line string) error {
	c.mutex.Lock()
	conn, bw := c.conn, c.bw
	c.mutex.Unlock()
	if conn == nil {
		return ErrClosed
	}

	if _, err := bw.WriteString(line + "\r\n"); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if f, ok := conn.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func (c *Conn) debugWrite(line string) {
	if c.options.DebugWriter != nil {
		io.WriteString(c.options.DebugWriter, line+"\r\n")
	}
}

// SendCommand writes a command line and returns its tag.
//
// Sensitive commands are redacted in logs.
func (c *Conn) SendCommand(cmd string, sensitive bool) (string, error) {
	c.encMutex.Lock()
	defer c.encMutex.Unlock()

	c.cmdTag++
	tag := strconv.FormatUint(c.cmdTag, 10)

	logged := cmd
	if sensitive {
		logged = imap.SensitiveCommand
	}
	level.Debug(c.logger).Log("msg", "sending command", "tag", tag, "cmd", logged)
	c.debugWrite(tag + " " + logged)

	if err := c.writeLine(tag + " " + cmd); err != nil {
		c.Close()
		return "", fmt.Errorf("imapclient: failed to send command: %w", err)
	}
	return tag, nil
}

// SendContinuation writes a continuation line, e.g. the DONE terminating
// IDLE or a SASL response.
func (c *Conn) SendContinuation(line string) error {
	return c.sendContinuation(line, false)
}

func (c *Conn) sendContinuation(line string, sensitive bool) error {
	c.encMutex.Lock()
	defer c.encMutex.Unlock()

	if sensitive {
		c.debugWrite(imap.SensitiveCommand)
	} else {
		c.debugWrite(line)
	}
	if err := c.writeLine(line); err != nil {
		c.Close()
		return fmt.Errorf("imapclient: failed to send continuation: %w", err)
	}
	return nil
}

// WriteLiteral sends raw literal data followed by the rest of the command
// line, after the server accepted the literal with a continuation request.
func (c *Conn) WriteLiteral(r io.Reader, rest string) error {
	c.encMutex.Lock()
	defer c.encMutex.Unlock()

	c.mutex.Lock()
	conn, bw := c.conn, c.bw
	c.mutex.Unlock()
	if conn == nil {
		return ErrClosed
	}

	if _, err := io.Copy(bw, r); err != nil {
		c.Close()
		return fmt.Errorf("imapclient: failed to send literal: %w", err)
	}
	if err := c.writeLine(rest); err != nil {
		c.Close()
		return fmt.Errorf("imapclient: failed to send literal: %w", err)
	}
	return nil
}

// ReadResponse reads the next response from the server.
//
// fn may intercept literals, see imapwire.LiteralFunc. An error returned by
// fn is returned as an *imapwire.LiteralError along with the response, and
// leaves the connection usable. Any other error closes the connection.
func (c *Conn) ReadResponse(fn imapwire.LiteralFunc) (*imapwire.Response, error) {
	conn, dec, timeout := c.transport()
	if conn == nil {
		return nil, ErrClosed
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		c.Close()
		return nil, fmt.Errorf("imapclient: failed to set read deadline: %w", err)
	}
	resp, err := dec.ReadResponse(fn)
	if err != nil {
		var litErr *imapwire.LiteralError
		if !errors.As(err, &litErr) {
			c.Close()
			return nil, fmt.Errorf("imapclient: failed to read response: %w", err)
		}
	}

	if !resp.IsTagged() && resp.IsStatus() {
		switch resp.Type() {
		case "BYE":
			level.Info(c.logger).Log("msg", "server said goodbye", "text", resp.Text())
		default:
			if resp.CodeName() == string(imap.ResponseCodeAlert) {
				level.Warn(c.logger).Log("msg", "server alert", "text", resp.Text())
			}
		}
	}
	return resp, err
}

// ReadStatusResponse reads responses until the completion of the command
// with the given tag, and returns the untagged responses followed by the
// completion.
//
// A tagged response carrying another tag is a stale completion of an earlier
// command: it is logged and skipped, and the untagged responses collected so
// far are dropped, except EXISTS and EXPUNGE which still describe the
// mailbox.
//
// cmdLog is the command text reported in errors. fn may intercept literals:
// a literal it fails to consume is logged and replaced with a placeholder,
// the command still runs to completion.
func (c *Conn) ReadStatusResponse(tag, cmdLog string, fn imapwire.LiteralFunc, handler UntaggedHandler) ([]*imapwire.Response, error) {
	var responses []*imapwire.Response
	for {
		resp, err := c.ReadResponse(fn)
		var litErr *imapwire.LiteralError
		if errors.As(err, &litErr) {
			level.Warn(c.logger).Log("msg", "failed to process literal", "cmd", cmdLog, "err", litErr.Err)
		} else if err != nil {
			return nil, err
		}

		if resp.IsTagged() && resp.Tag != tag {
			level.Warn(c.logger).Log("msg", "discarding response with unexpected tag", "tag", resp.Tag, "want", tag)
			kept := responses[:0]
			for _, r := range responses {
				if !r.IsTagged() && (r.Type() == "EXISTS" || r.Type() == "EXPUNGE") {
					kept = append(kept, r)
				}
			}
			responses = kept
			continue
		}

		if handler != nil {
			handler(resp)
		}
		responses = append(responses, resp)
		if resp.IsTagged() {
			break
		}
	}

	completion := responses[len(responses)-1]
	if completion.Type() != string(imap.StatusResponseTypeOK) {
		return responses, newCommandError(completion, responses, cmdLog)
	}
	return responses, nil
}

func newCommandError(completion *imapwire.Response, responses []*imapwire.Response, cmdLog string) *imap.Error {
	err := &imap.Error{
		Type:    imap.StatusResponseType(completion.Type()),
		Code:    imap.ResponseCode(completion.CodeName()),
		Text:    completion.Text(),
		Command: cmdLog,
	}
	for _, resp := range responses {
		if resp.IsStatus() && resp.CodeName() == string(imap.ResponseCodeAlert) {
			err.Alert = resp.Text()
		}
	}
	return err
}

// ExecuteSimpleCommand sends a command and waits for its completion.
func (c *Conn) ExecuteSimpleCommand(cmd string) ([]*imapwire.Response, error) {
	return c.executeCommand(cmd, false, nil)
}

// ExecuteSensitiveCommand is like ExecuteSimpleCommand, but doesn't log the
// command text.
func (c *Conn) ExecuteSensitiveCommand(cmd string) ([]*imapwire.Response, error) {
	return c.executeCommand(cmd, true, nil)
}

// ExecuteCommand sends a command and waits for its completion, passing every
// response to handler.
func (c *Conn) ExecuteCommand(cmd string, handler UntaggedHandler) ([]*imapwire.Response, error) {
	return c.executeCommand(cmd, false, handler)
}

func (c *Conn) executeCommand(cmd string, sensitive bool, handler UntaggedHandler) ([]*imapwire.Response, error) {
	tag, err := c.SendCommand(cmd, sensitive)
	if err != nil {
		return nil, err
	}
	cmdLog := cmd
	if sensitive {
		cmdLog = imap.SensitiveCommand
	}
	return c.ReadStatusResponse(tag, cmdLog, nil, handler)
}

// ExecuteIDCommand runs "prefix <set> suffix" for a set of message numbers
// or UIDs, splitting it into several commands when the set doesn't fit the
// line length limit.
func (c *Conn) ExecuteIDCommand(prefix, suffix string, ids []int64) ([]*imapwire.Response, error) {
	var all []*imapwire.Response
	for _, cmd := range imapwire.SplitIDCommand(prefix, suffix, ids, c.lineLimit) {
		responses, err := c.ExecuteSimpleCommand(cmd)
		if err != nil {
			return nil, err
		}
		all = append(all, responses...)
	}
	return all, nil
}

// Noop sends a NOOP command, e.g. to check that the connection is alive.
func (c *Conn) Noop() error {
	_, err := c.ExecuteSimpleCommand("NOOP")
	return err
}

// Logout sends LOGOUT and closes the connection.
func (c *Conn) Logout() error {
	defer c.Close()
	_, err := c.ExecuteSimpleCommand("LOGOUT")
	if err != nil && !errors.Is(err, ErrClosed) && !isEOF(err) {
		return err
	}
	return nil
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

func quoteAll(values ...string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = imapwire.Quote(v)
	}
	return strings.Join(quoted, " ")
}
