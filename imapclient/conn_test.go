package imapclient_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emersion/go-imappush"
	"github.com/emersion/go-imappush/imapclient"
	"github.com/emersion/go-imappush/internal/imaptest"
	"github.com/emersion/go-imappush/internal/imapwire"
)

func newTestConn(t *testing.T, settings *imap.Settings, srv *imaptest.Server) *imapclient.Conn {
	return imapclient.NewConn(settings, &imapclient.Options{
		LookupHost:  srv.LookupHost,
		DialContext: srv.DialContext,
	})
}

func TestConn_Open(t *testing.T) {
	srv := imaptest.NewServer(t, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1", "IDLE", "UIDPLUS")
		c.WaitClosed()
	})
	srv.Addrs = []string{"192.0.2.1", "192.0.2.2"}
	srv.Refuse = map[string]bool{"192.0.2.1:143": true}

	conn := newTestConn(t, imaptest.Settings(), srv)
	defer conn.Close()

	if err := conn.Open(context.Background()); err != nil {
		t.Fatalf("Open() = %v", err)
	}
	assert.Equal(t, []string{"192.0.2.1:143", "192.0.2.2:143"}, srv.Dialed())
	assert.True(t, conn.IsConnected())
	assert.True(t, conn.IsIdleCapable())
	assert.True(t, conn.IsUIDPlusCapable())
	assert.False(t, conn.HasCap(imap.CapMove))
	assert.Equal(t, "/", conn.Delimiter())

	// Already open
	if err := conn.Open(context.Background()); err != nil {
		t.Fatalf("Open() = %v", err)
	}
	assert.Len(t, srv.Dialed(), 2)
}

func TestConn_Open_allAddressesFail(t *testing.T) {
	srv := imaptest.NewServer(t)
	srv.Addrs = []string{"192.0.2.1", "192.0.2.2"}
	srv.Refuse = map[string]bool{"192.0.2.1:143": true, "192.0.2.2:143": true}

	conn := newTestConn(t, imaptest.Settings(), srv)
	err := conn.Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.False(t, conn.IsConnected())
}

func TestConn_Open_startTLSRequired(t *testing.T) {
	srv := imaptest.NewServer(t, func(c *imaptest.Conn) {
		c.Greet("IMAP4rev1")
		c.WaitClosed()
	})

	settings := imaptest.Settings()
	settings.Security = imap.SecurityStartTLSRequired
	conn := newTestConn(t, settings, srv)

	err := conn.Open(context.Background())
	var secErr *imap.SecurityError
	if !errors.As(err, &secErr) {
		t.Fatalf("Open() = %v, want *imap.SecurityError", err)
	}
	assert.False(t, conn.IsConnected())
}

func TestConn_Open_bye(t *testing.T) {
	srv := imaptest.NewServer(t, func(c *imaptest.Conn) {
		c.Write("* BYE too many connections")
	})

	conn := newTestConn(t, imaptest.Settings(), srv)
	err := conn.Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many connections")
}

func TestConn_Open_authFailure(t *testing.T) {
	tests := []struct {
		completion string
		auth       bool
	}{
		{"NO [AUTHENTICATIONFAILED] Invalid credentials", true},
		{"NO Login failed", true},
		{"NO [UNAVAILABLE] Try again later", false},
	}

	for _, tc := range tests {
		t.Run(tc.completion, func(t *testing.T) {
			srv := imaptest.NewServer(t, func(c *imaptest.Conn) {
				c.Greet("IMAP4rev1")
				tag := c.Expect(`LOGIN "alice" "secret"`)
				c.Writef("%v %v", tag, tc.completion)
				c.WaitClosed()
			})

			conn := newTestConn(t, imaptest.Settings(), srv)
			err := conn.Open(context.Background())
			require.Error(t, err)
			if got := imap.IsAuthError(err); got != tc.auth {
				t.Errorf("IsAuthError(%v) = %v, want %v", err, got, tc.auth)
			}
			assert.False(t, conn.IsConnected())
		})
	}
}

func TestConn_Open_loginDisabled(t *testing.T) {
	srv := imaptest.NewServer(t, func(c *imaptest.Conn) {
		c.Greet("IMAP4rev1", "LOGINDISABLED")
		c.WaitClosed()
	})

	conn := newTestConn(t, imaptest.Settings(), srv)
	err := conn.Open(context.Background())
	var secErr *imap.SecurityError
	if !errors.As(err, &secErr) {
		t.Fatalf("Open() = %v, want SecurityError", err)
	}
}

func TestConn_Open_mechanismUnsupported(t *testing.T) {
	srv := imaptest.NewServer(t, func(c *imaptest.Conn) {
		c.Greet("IMAP4rev1", "AUTH=PLAIN", "AUTH=LOGIN")
		c.WaitClosed()
	})

	settings := imaptest.Settings()
	settings.AuthType = imap.AuthCRAMMD5
	conn := newTestConn(t, settings, srv)
	err := conn.Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "(advertised: LOGIN, PLAIN)")
	assert.False(t, conn.IsConnected())
}

func TestConn_Open_authenticatePlain(t *testing.T) {
	srv := imaptest.NewServer(t, func(c *imaptest.Conn) {
		c.Greet("IMAP4rev1", "AUTH=PLAIN", "SASL-IR")
		tag := c.Expect("AUTHENTICATE PLAIN AGFsaWNlAHNlY3JldA==")
		c.OK(tag, "authenticated")
		// No capabilities in the completion
		tag = c.Expect("CAPABILITY")
		c.Write("* CAPABILITY IMAP4rev1 IDLE MOVE")
		c.OK(tag, "done")
		c.WaitClosed()
	})

	conn := newTestConn(t, imaptest.Settings(), srv)
	defer conn.Close()
	if err := conn.Open(context.Background()); err != nil {
		t.Fatalf("Open() = %v", err)
	}
	assert.True(t, conn.HasCap(imap.CapMove))
}

func TestConn_Open_authenticatePlainWithoutSASLIR(t *testing.T) {
	srv := imaptest.NewServer(t, func(c *imaptest.Conn) {
		c.Greet("IMAP4rev1", "AUTH=PLAIN")
		tag := c.Expect("AUTHENTICATE PLAIN")
		c.Write("+ ")
		if l := c.ReadLine(); l != "AGFsaWNlAHNlY3JldA==" {
			t.Errorf("SASL response = %q", l)
		}
		c.Writef("%v OK [CAPABILITY IMAP4rev1] authenticated", tag)
		c.WaitClosed()
	})

	conn := newTestConn(t, imaptest.Settings(), srv)
	defer conn.Close()
	if err := conn.Open(context.Background()); err != nil {
		t.Fatalf("Open() = %v", err)
	}
}

type fakeTokenProvider struct {
	mu          sync.Mutex
	tokens      []string
	invalidated int
}

func (p *fakeTokenProvider) Token(ctx context.Context, username string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens[p.invalidated], nil
}

func (p *fakeTokenProvider) Invalidate(username string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidated++
}

func TestConn_Open_xoauth2Retry(t *testing.T) {
	caps := []string{"IMAP4rev1", "AUTH=XOAUTH2", "SASL-IR"}
	srv := imaptest.NewServer(t, func(c *imaptest.Conn) {
		c.Greet(caps...)
		tag := c.Expect("AUTHENTICATE XOAUTH2 dXNlcj1hbGljZQFhdXRoPUJlYXJlciB0b2sxAQE=")
		c.Write("+ eyJzdGF0dXMiOiI0MDEifQ==")
		if l := c.ReadLine(); l != "" {
			t.Errorf("response to error challenge = %q, want empty line", l)
		}
		c.Writef("%v NO [AUTHENTICATIONFAILED] invalid token", tag)

		tag = c.Expect("AUTHENTICATE XOAUTH2 dXNlcj1hbGljZQFhdXRoPUJlYXJlciB0b2syAQE=")
		c.Writef("%v OK [CAPABILITY %v] authenticated", tag, strings.Join(caps, " "))
		c.WaitClosed()
	})

	provider := &fakeTokenProvider{tokens: []string{"tok1", "tok2"}}
	settings := imaptest.Settings()
	settings.AuthType = imap.AuthXOAuth2
	conn := imapclient.NewConn(settings, &imapclient.Options{
		LookupHost:    srv.LookupHost,
		DialContext:   srv.DialContext,
		TokenProvider: provider,
	})
	defer conn.Close()

	if err := conn.Open(context.Background()); err != nil {
		t.Fatalf("Open() = %v", err)
	}
	assert.Equal(t, 1, provider.invalidated)
}

func TestConn_Open_namespace(t *testing.T) {
	srv := imaptest.NewServer(t, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1", "NAMESPACE")
		tag := c.Expect("NAMESPACE")
		c.Write(`* NAMESPACE (("INBOX." ".")) NIL NIL`)
		c.OK(tag, "done")
		c.WaitClosed()
	})

	settings := imaptest.Settings()
	settings.AutoDetectNamespace = true
	settings.Delimiter = ""
	conn := newTestConn(t, settings, srv)
	defer conn.Close()

	if err := conn.Open(context.Background()); err != nil {
		t.Fatalf("Open() = %v", err)
	}
	assert.Equal(t, "INBOX.", conn.PathPrefix())
	assert.Equal(t, ".", conn.Delimiter())
}

func TestConn_Open_listDelimiter(t *testing.T) {
	srv := imaptest.NewServer(t, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		tag := c.Expect(`LIST "" ""`)
		c.Write(`* LIST (\Noselect) "/" ""`)
		c.OK(tag, "done")
		c.WaitClosed()
	})

	settings := imaptest.Settings()
	settings.Delimiter = ""
	conn := newTestConn(t, settings, srv)
	defer conn.Close()

	if err := conn.Open(context.Background()); err != nil {
		t.Fatalf("Open() = %v", err)
	}
	assert.Equal(t, "/", conn.Delimiter())
}

func TestConn_Open_clientID(t *testing.T) {
	srv := imaptest.NewServer(t, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1", "ID")
		tag := c.Expect(`ID ("name" "imappushd" "version" "1.0")`)
		c.Writef("%v BAD unsupported", tag)
		c.WaitClosed()
	})

	conn := imapclient.NewConn(imaptest.Settings(), &imapclient.Options{
		LookupHost:  srv.LookupHost,
		DialContext: srv.DialContext,
		ClientInfo:  &imapclient.ClientInfo{Name: "imappushd", Version: "1.0"},
	})
	defer conn.Close()

	if err := conn.Open(context.Background()); err != nil {
		t.Fatalf("Open() = %v", err)
	}
}

func TestConn_ReadStatusResponse_staleTag(t *testing.T) {
	srv := imaptest.NewServer(t, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		tag := c.Expect("NOOP")
		c.Write(
			"* 4 EXISTS",
			"* 1 RECENT",
			"1 OK stale completion",
			"* 5 EXISTS",
		)
		c.OK(tag, "NOOP completed")
		c.WaitClosed()
	})

	conn := newTestConn(t, imaptest.Settings(), srv)
	defer conn.Close()
	require.NoError(t, conn.Open(context.Background()))

	var handled []string
	responses, err := conn.ExecuteCommand("NOOP", func(resp *imapwire.Response) {
		handled = append(handled, resp.Type())
	})
	require.NoError(t, err)

	var types []string
	for _, resp := range responses {
		types = append(types, resp.Type())
	}
	assert.Equal(t, []string{"EXISTS", "EXISTS", "OK"}, types)
	if n, _ := responses[0].Number(); n != 4 {
		t.Errorf("responses[0].Number() = %v, want 4", n)
	}
	assert.Equal(t, []string{"EXISTS", "RECENT", "EXISTS", "OK"}, handled)
}

func TestConn_ExecuteSimpleCommand_error(t *testing.T) {
	srv := imaptest.NewServer(t, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		tag := c.Expect(`SELECT "Missing"`)
		c.Write("* OK [ALERT] mailbox is gone")
		c.Writef("%v NO [TRYCREATE] no such mailbox", tag)
		c.WaitClosed()
	})

	conn := newTestConn(t, imaptest.Settings(), srv)
	defer conn.Close()
	require.NoError(t, conn.Open(context.Background()))

	_, err := conn.ExecuteSimpleCommand(`SELECT "Missing"`)
	var imapErr *imap.Error
	if !errors.As(err, &imapErr) {
		t.Fatalf("ExecuteSimpleCommand() = %v, want *imap.Error", err)
	}
	assert.Equal(t, imap.StatusResponseTypeNo, imapErr.Type)
	assert.Equal(t, imap.ResponseCodeTryCreate, imapErr.Code)
	assert.Equal(t, "no such mailbox", imapErr.Text)
	assert.Equal(t, "mailbox is gone", imapErr.Alert)
	// A negative completion leaves the connection usable
	assert.True(t, conn.IsConnected())
}

func TestConn_ReadResponse_eof(t *testing.T) {
	srv := imaptest.NewServer(t, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		c.Expect("NOOP")
		c.Close()
	})

	conn := newTestConn(t, imaptest.Settings(), srv)
	require.NoError(t, conn.Open(context.Background()))

	if err := conn.Noop(); err == nil {
		t.Fatalf("Noop() = nil, want error")
	}
	assert.False(t, conn.IsConnected())
	if _, err := conn.SendCommand("NOOP", false); !errors.Is(err, imapclient.ErrClosed) {
		t.Errorf("SendCommand() = %v, want ErrClosed", err)
	}
}

func TestConn_DebugWriter(t *testing.T) {
	srv := imaptest.NewServer(t, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		c.WaitClosed()
	})

	var buf bytes.Buffer
	conn := imapclient.NewConn(imaptest.Settings(), &imapclient.Options{
		LookupHost:  srv.LookupHost,
		DialContext: srv.DialContext,
		DebugWriter: &buf,
	})
	require.NoError(t, conn.Open(context.Background()))
	conn.Close()

	assert.Contains(t, buf.String(), "1 "+imap.SensitiveCommand+"\r\n")
	assert.NotContains(t, buf.String(), "secret")
}

func TestConn_ExecuteIDCommand(t *testing.T) {
	srv := imaptest.NewServer(t, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		tag := c.Expect("UID STORE 1:3,7 +FLAGS.SILENT (\\Seen)")
		c.OK(tag, "done")
		c.WaitClosed()
	})

	conn := newTestConn(t, imaptest.Settings(), srv)
	defer conn.Close()
	require.NoError(t, conn.Open(context.Background()))

	_, err := conn.ExecuteIDCommand("UID STORE", "+FLAGS.SILENT (\\Seen)", []int64{7, 3, 2, 1, 2})
	require.NoError(t, err)
}

func TestConn_Append(t *testing.T) {
	const msg = "Subject: hi\r\n\r\nhello\r\n"

	for _, literalPlus := range []bool{false, true} {
		name := "sync"
		if literalPlus {
			name = "nonsync"
		}
		t.Run(name, func(t *testing.T) {
			srv := imaptest.NewServer(t, func(c *imaptest.Conn) {
				caps := []string{"IMAP4rev1", "UIDPLUS"}
				if literalPlus {
					caps = append(caps, "LITERAL+")
				}
				c.Handshake(caps...)
				if literalPlus {
					tag := c.Expect(`APPEND "INBOX" (\Seen) {22+}`)
					assert.Equal(t, msg, c.ReadLiteral(len(msg)))
					c.ReadLine()
					c.OK(tag, "[APPENDUID 38505 3955] APPEND completed")
				} else {
					tag := c.Expect(`APPEND "INBOX" (\Seen) {22}`)
					c.Write("+ Ready for literal data")
					assert.Equal(t, msg, c.ReadLiteral(len(msg)))
					c.ReadLine()
					c.OK(tag, "[APPENDUID 38505 3955] APPEND completed")
				}
				c.WaitClosed()
			})

			conn := newTestConn(t, imaptest.Settings(), srv)
			defer conn.Close()
			require.NoError(t, conn.Open(context.Background()))

			responses, err := conn.Append("INBOX", []imap.Flag{imap.FlagSeen}, int64(len(msg)), strings.NewReader(msg))
			require.NoError(t, err)
			completion := responses[len(responses)-1]
			assert.Equal(t, "APPENDUID", completion.CodeName())
			if uid, _ := completion.Code().Number(2); uid != 3955 {
				t.Errorf("APPENDUID uid = %v, want 3955", uid)
			}
		})
	}
}

func TestConn_Idle(t *testing.T) {
	srv := imaptest.NewServer(t, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1", "IDLE")
		tag := c.Expect("IDLE")
		c.Write("+ idling", "* 3 EXISTS")
		if l := c.ReadLine(); l != "DONE" {
			t.Errorf("got %q, want DONE", l)
		}
		c.Write("* 1 RECENT")
		c.OK(tag, "IDLE terminated")
		c.WaitClosed()
	})

	conn := newTestConn(t, imaptest.Settings(), srv)
	defer conn.Close()
	require.NoError(t, conn.Open(context.Background()))

	idle, err := conn.Idle(nil)
	require.NoError(t, err)

	var types []string
	for resp, err := range idle.Responses() {
		require.NoError(t, err)
		types = append(types, resp.Type())
		if resp.Type() == "EXISTS" {
			require.NoError(t, idle.Done())
			// DONE is only sent once
			require.NoError(t, idle.Done())
		}
	}
	assert.Equal(t, []string{"EXISTS", "RECENT"}, types)

	// The connection is usable again
	assert.True(t, conn.IsConnected())
}
