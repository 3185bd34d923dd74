package imapstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emersion/go-imappush"
	"github.com/emersion/go-imappush/imapstore"
	"github.com/emersion/go-imappush/internal/imaptest"
)

func TestFolder_Open(t *testing.T) {
	store := newTestStore(t, nil, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1", "IDLE", "UNSELECT")
		selectInbox(c)
		tag := c.Expect("UNSELECT")
		c.OK(tag, "UNSELECT completed")
		c.WaitClosed()
	})

	f := store.Folder(imapstore.Inbox)
	require.NoError(t, f.Open(context.Background(), imapstore.ModeReadWrite))

	if n := f.MessageCount(); n != 5 {
		t.Errorf("MessageCount() = %v, want 5", n)
	}
	assert.True(t, f.IsOpen())
	assert.Equal(t, imapstore.ModeReadWrite, f.Mode())
	assert.Equal(t, int64(4392), f.UIDNext())
	assert.Equal(t, int64(3857529045), f.UIDValidity())
	assert.Equal(t, []imap.Flag{imap.FlagDeleted, imap.FlagSeen}, f.PermanentFlags())
	assert.True(t, f.CanCreateKeywords())

	f.Close()
	assert.False(t, f.IsOpen())
	assert.Equal(t, int64(-1), f.MessageCount())
}

func TestFolder_Open_readOnlyOverride(t *testing.T) {
	store := newTestStore(t, nil, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		tag := c.Expect(`SELECT "Shared"`)
		c.Write(`* 2 EXISTS`)
		c.Writef("%v OK [READ-ONLY] SELECT completed", tag)
		c.WaitClosed()
	})

	f := store.Folder("Shared")
	require.NoError(t, f.Open(context.Background(), imapstore.ModeReadWrite))
	defer f.Close()

	assert.Equal(t, imapstore.ModeReadOnly, f.Mode())
	assert.False(t, f.CanCreateKeywords())
}

func TestFolder_Open_examine(t *testing.T) {
	store := newTestStore(t, nil, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		tag := c.Expect(`EXAMINE "INBOX"`)
		c.Write(`* 0 EXISTS`)
		c.Writef("%v OK [READ-ONLY] EXAMINE completed", tag)
		c.WaitClosed()
	})

	f := store.Folder(imapstore.Inbox)
	require.NoError(t, f.Open(context.Background(), imapstore.ModeReadOnly))
	defer f.Close()

	assert.Equal(t, imapstore.ModeReadOnly, f.Mode())
	assert.Equal(t, int64(0), f.MessageCount())

	err := f.SetFlags(context.Background(), []int64{1}, []imap.Flag{imap.FlagSeen}, true)
	if !errors.Is(err, imapstore.ErrReadOnly) {
		t.Errorf("SetFlags() = %v, want ErrReadOnly", err)
	}
}

func TestFolder_Open_noSuchMailbox(t *testing.T) {
	store := newTestStore(t, nil, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		tag := c.Expect(`SELECT "Missing"`)
		c.Writef("%v NO [NONEXISTENT] No such mailbox", tag)
		c.WaitClosed()
	})

	f := store.Folder("Missing")
	err := f.Open(context.Background(), imapstore.ModeReadWrite)
	var imapErr *imap.Error
	require.ErrorAs(t, err, &imapErr)
	assert.Equal(t, imap.StatusResponseTypeNo, imapErr.Type)
	assert.False(t, f.IsOpen())
}

func TestFolder_Open_missingExists(t *testing.T) {
	store := newTestStore(t, nil, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		tag := c.Expect(`SELECT "INBOX"`)
		c.OK(tag, "[READ-WRITE] SELECT completed")
		c.WaitClosed()
	})

	f := store.Folder(imapstore.Inbox)
	defer f.Close()
	assert.Error(t, f.Open(context.Background(), imapstore.ModeReadWrite))
}

func TestFolder_Open_reuse(t *testing.T) {
	store := newTestStore(t, nil, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		selectInbox(c)
		tag := c.Expect("NOOP")
		c.Write("* 7 EXISTS")
		c.OK(tag, "NOOP completed")
		c.WaitClosed()
	})

	f := openInbox(t, store)
	require.NoError(t, f.Open(context.Background(), imapstore.ModeReadWrite))
	if n := f.MessageCount(); n != 7 {
		t.Errorf("MessageCount() = %v, want 7", n)
	}
}

func TestFolder_Open_reconnect(t *testing.T) {
	store := newTestStore(t, nil,
		func(c *imaptest.Conn) {
			c.Handshake("IMAP4rev1")
			selectInbox(c)
			c.Expect("NOOP")
			c.Close()
		},
		func(c *imaptest.Conn) {
			c.Handshake("IMAP4rev1")
			selectInbox(c)
			c.WaitClosed()
		},
	)

	f := openInbox(t, store)
	first := f.Conn()
	require.NoError(t, f.Open(context.Background(), imapstore.ModeReadWrite))
	assert.NotSame(t, first, f.Conn())
	assert.Equal(t, int64(5), f.MessageCount())
}

func TestFolder_expunge(t *testing.T) {
	store := newTestStore(t, nil, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		selectInbox(c)
		tag := c.Expect("NOOP")
		c.Write(
			`* 3 FETCH (UID 30 FLAGS (\Seen))`,
			`* 4 FETCH (UID 40 FLAGS ())`,
		)
		c.OK(tag, "NOOP completed")
		tag = c.Expect("NOOP")
		c.Write(`* 2 EXPUNGE`)
		c.OK(tag, "NOOP completed")
		c.WaitClosed()
	})

	f := openInbox(t, store)
	require.NoError(t, f.Open(context.Background(), imapstore.ModeReadWrite))
	require.NoError(t, f.Open(context.Background(), imapstore.ModeReadWrite))

	if n := f.MessageCount(); n != 4 {
		t.Errorf("MessageCount() = %v, want 4", n)
	}
	if uid, _ := f.UIDForSeq(2); uid != 30 {
		t.Errorf("UIDForSeq(2) = %v, want 30", uid)
	}
	if uid, _ := f.UIDForSeq(3); uid != 40 {
		t.Errorf("UIDForSeq(3) = %v, want 40", uid)
	}
	_, ok := f.UIDForSeq(4)
	assert.False(t, ok)
}

func TestFolder_existsAndExpungeInBatch(t *testing.T) {
	store := newTestStore(t, nil, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		selectInbox(c)
		tag := c.Expect("NOOP")
		// A message arrived and was removed within the same batch
		c.Write(`* 6 EXISTS`, `* 6 EXPUNGE`)
		c.OK(tag, "NOOP completed")
		tag = c.Expect("NOOP")
		c.Write(`* 6 EXISTS`)
		c.OK(tag, "NOOP completed")
		c.WaitClosed()
	})

	f := openInbox(t, store)
	require.NoError(t, f.Open(context.Background(), imapstore.ModeReadWrite))
	if n := f.MessageCount(); n != 5 {
		t.Errorf("MessageCount() = %v, want 5", n)
	}

	require.NoError(t, f.Open(context.Background(), imapstore.ModeReadWrite))
	if n := f.MessageCount(); n != 6 {
		t.Errorf("MessageCount() = %v, want 6", n)
	}
}

func TestFolder_untaggedHook(t *testing.T) {
	store := newTestStore(t, nil, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		selectInbox(c)
		tag := c.Expect("NOOP")
		c.Write(`* 2 FETCH (UID 20 FLAGS ())`, `* 3 FETCH (UID 30 FLAGS ())`)
		c.OK(tag, "NOOP completed")
		tag = c.Expect("NOOP")
		c.Write(`* 3 EXPUNGE`, `* 2 EXPUNGE`, `* 1 EXPUNGE`)
		c.OK(tag, "NOOP completed")
		tag = c.Expect("NOOP")
		c.Write(`* 1 FETCH (UID 10 FLAGS ())`)
		c.OK(tag, "NOOP completed")
		c.WaitClosed()
	})

	f := openInbox(t, store)
	require.NoError(t, f.Open(context.Background(), imapstore.ModeReadWrite))

	var expunged []int64
	f.SetUntaggedHook(func(u imapstore.Untagged) {
		if u.Response.Type() == "EXPUNGE" {
			expunged = append(expunged, u.ExpungedUID)
		}
	})
	require.NoError(t, f.Open(context.Background(), imapstore.ModeReadWrite))
	assert.Equal(t, []int64{30, 20, imap.UIDUnknown}, expunged)
	assert.Equal(t, int64(2), f.MessageCount())

	require.NoError(t, f.Open(context.Background(), imapstore.ModeReadWrite))
	if uid, _ := f.UIDForSeq(1); uid != 10 {
		t.Errorf("UIDForSeq(1) = %v, want 10", uid)
	}
	f.ResetSeqMap()
	_, ok := f.UIDForSeq(1)
	assert.False(t, ok)
}

func TestFolder_HandleUntagged(t *testing.T) {
	store := newTestStore(t, nil, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		selectInbox(c)
		tag := c.Expect("NOOP")
		c.Write(`* OK [UIDNEXT 4400] Predicted next UID`, `* 1 EXPUNGE`, `* 1 EXPUNGE`)
		c.OK(tag, "NOOP completed")
		c.WaitClosed()
	})

	f := openInbox(t, store)
	require.NoError(t, f.Open(context.Background(), imapstore.ModeReadWrite))
	assert.Equal(t, int64(3), f.MessageCount())
	assert.Equal(t, int64(4400), f.UIDNext())
}

func TestFolder_Exists(t *testing.T) {
	store := newTestStore(t, nil, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		tag := c.Expect(`STATUS "Sent" (UIDVALIDITY)`)
		c.Write(`* STATUS "Sent" (UIDVALIDITY 7)`)
		c.OK(tag, "STATUS completed")
		tag = c.Expect("NOOP")
		c.OK(tag, "NOOP completed")
		tag = c.Expect(`STATUS "Missing" (UIDVALIDITY)`)
		c.Writef("%v NO [NONEXISTENT] No such mailbox", tag)
		c.WaitClosed()
	})

	ok, err := store.Folder("Sent").Exists(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	// Cached from now on
	ok, err = store.Folder("Sent").Exists(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Folder("Missing").Exists(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFolder_CreateDelete(t *testing.T) {
	store := newTestStore(t, nil, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		tag := c.Expect(`CREATE "Projects/2026"`)
		c.OK(tag, "CREATE completed")
		tag = c.Expect("NOOP")
		c.OK(tag, "NOOP completed")
		tag = c.Expect(`CREATE "Projects/2026"`)
		c.Writef("%v NO [ALREADYEXISTS] Mailbox exists", tag)
		tag = c.Expect("NOOP")
		c.OK(tag, "NOOP completed")
		tag = c.Expect(`DELETE "Projects/2026"`)
		c.OK(tag, "DELETE completed")
		c.WaitClosed()
	})

	f := store.Folder("Projects/2026")
	created, err := f.Create(context.Background())
	require.NoError(t, err)
	assert.True(t, created)

	created, err = f.Create(context.Background())
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, f.Delete(context.Background()))
}

func TestFolder_notOpen(t *testing.T) {
	store := imapstore.New(imaptest.Settings(), nil)
	f := store.Folder(imapstore.Inbox)

	_, err := f.Search(context.Background(), &imap.SearchCriteria{Query: "foo"})
	if !errors.Is(err, imap.ErrFolderNotOpen) {
		t.Errorf("Search() = %v, want ErrFolderNotOpen", err)
	}
	_, err = f.Fetch(context.Background(), []int64{1}, imap.FetchProfile{Flags: true}, 0)
	if !errors.Is(err, imap.ErrFolderNotOpen) {
		t.Errorf("Fetch() = %v, want ErrFolderNotOpen", err)
	}
}
