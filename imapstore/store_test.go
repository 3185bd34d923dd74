package imapstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emersion/go-imappush"
	"github.com/emersion/go-imappush/imapclient"
	"github.com/emersion/go-imappush/imapstore"
	"github.com/emersion/go-imappush/internal/imaptest"
)

func newTestStore(t *testing.T, settings *imap.Settings, scripts ...imaptest.Script) *imapstore.Store {
	srv := imaptest.NewServer(t, scripts...)
	if settings == nil {
		settings = imaptest.Settings()
	}
	store := imapstore.New(settings, &imapclient.Options{
		LookupHost:  srv.LookupHost,
		DialContext: srv.DialContext,
	})
	t.Cleanup(func() { store.Close() })
	return store
}

// selectInbox plays a SELECT of INBOX holding 5 messages.
func selectInbox(c *imaptest.Conn) {
	tag := c.Expect(`SELECT "INBOX"`)
	c.Write(
		`* FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`,
		`* OK [PERMANENTFLAGS (\Deleted \Seen \*)] Limited`,
		`* 5 EXISTS`,
		`* 0 RECENT`,
		`* OK [UIDVALIDITY 3857529045] UIDs valid`,
		`* OK [UIDNEXT 4392] Predicted next UID`,
	)
	c.Writef("%v OK [READ-WRITE] SELECT completed", tag)
}

func openInbox(t *testing.T, store *imapstore.Store) *imapstore.Folder {
	f := store.Folder(imapstore.Inbox)
	require.NoError(t, f.Open(context.Background(), imapstore.ModeReadWrite))
	t.Cleanup(f.Close)
	return f
}

func TestStore_Folder(t *testing.T) {
	store := imapstore.New(imaptest.Settings(), nil)
	if store.Folder("Sent") != store.Folder("Sent") {
		t.Errorf("Folder() returned distinct values for the same name")
	}
	assert.NotSame(t, store.Folder("Sent"), store.NewFolder("Sent"))
	assert.Equal(t, "Sent", store.Folder("Sent").Name())
}

func TestStore_ListFolders(t *testing.T) {
	settings := imaptest.Settings()
	settings.PathPrefix = "INBOX."
	settings.Delimiter = "."

	store := newTestStore(t, settings, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		tag := c.Expect(`LIST "" "INBOX.*"`)
		c.Write(
			`* LIST (\HasNoChildren) "." "INBOX.Sent"`,
			`* LIST (\Noselect) "." "INBOX.Old"`,
			`* LIST () "." "Other"`,
			`* LIST () "." "INBOX"`,
			`* LIST (\HasNoChildren) "." "INBOX.&AMQ-pfel"`,
		)
		c.OK(tag, "LIST completed")
		c.WaitClosed()
	})

	folders, err := store.ListFolders(context.Background(), false)
	require.NoError(t, err)

	var names []string
	for _, info := range folders {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{"Sent", "Äpfel", "INBOX"}, names)
	assert.True(t, folders[0].HasAttr(`\hasnochildren`))
	assert.Equal(t, ".", folders[0].Delimiter)
	assert.Equal(t, "INBOX.", store.CombinedPrefix())
}

func TestStore_ListFolders_subscribed(t *testing.T) {
	store := newTestStore(t, nil, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		tag := c.Expect(`LIST "" "*"`)
		c.Write(
			`* LIST () "/" "Sent"`,
			`* LIST () "/" "Drafts"`,
			`* LIST () "/" "Archive/2024"`,
		)
		c.OK(tag, "LIST completed")
		tag = c.Expect(`LSUB "" "*"`)
		c.Write(
			`* LSUB () "/" "Sent"`,
			`* LSUB () "/" "Archive/2024"`,
		)
		c.OK(tag, "LSUB completed")
		c.WaitClosed()
	})

	folders, err := store.ListFolders(context.Background(), true)
	require.NoError(t, err)

	var names []string
	for _, info := range folders {
		names = append(names, info.Name)
		assert.True(t, info.Subscribed, info.Name)
	}
	assert.Equal(t, []string{"Sent", "Archive/2024", "INBOX"}, names)
}

func TestStore_CheckSettings(t *testing.T) {
	store := newTestStore(t, nil, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		tag := c.Expect("LOGOUT")
		c.Write("* BYE logging out")
		c.OK(tag, "LOGOUT completed")
	})
	assert.NoError(t, store.CheckSettings(context.Background()))
}

func TestStore_CheckSettings_authFailure(t *testing.T) {
	store := newTestStore(t, nil, func(c *imaptest.Conn) {
		c.Greet()
		tag, _ := c.ExpectPrefix("LOGIN ")
		c.Writef("%v NO [AUTHENTICATIONFAILED] Invalid credentials", tag)
		c.WaitClosed()
	})
	err := store.CheckSettings(context.Background())
	if !imap.IsAuthError(err) {
		t.Errorf("CheckSettings() = %v, want an AuthError", err)
	}
}
