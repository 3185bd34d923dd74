package imapstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emersion/go-imappush"
	"github.com/emersion/go-imappush/imapstore"
	"github.com/emersion/go-imappush/internal/imaptest"
)

func TestFolder_Fetch_partialBody(t *testing.T) {
	const limit = 16
	const body = "Subject: hello\r\n"

	store := newTestStore(t, nil, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		selectInbox(c)

		tag := c.Expect("UID FETCH 100:199 (UID BODY.PEEK[]<0.16>)")
		c.Writef("* 1 FETCH (UID 100 BODY[]<0> {%d}", len(body))
		c.Write(body + ")")
		c.OK(tag, "FETCH completed")

		tag = c.Expect("UID FETCH 200 (UID BODY.PEEK[]<0.16>)")
		c.Writef("* 2 FETCH (UID 200 BODY[]<0> {%d}", 4)
		c.Write("Hi\r\n)")
		c.OK(tag, "FETCH completed")
		c.WaitClosed()
	})
	f := openInbox(t, store)

	var uids []int64
	for uid := int64(100); uid <= 200; uid++ {
		uids = append(uids, uid)
	}
	msgs, err := f.Fetch(context.Background(), uids, imap.FetchProfile{BodySane: true}, limit)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	if msgs[0].UID != 100 {
		t.Errorf("msgs[0].UID = %v, want 100", msgs[0].UID)
	}
	assert.Equal(t, body, string(msgs[0].Body))
	assert.Len(t, msgs[0].Body, limit)
	assert.True(t, msgs[0].Partial)

	assert.Equal(t, int64(200), msgs[1].UID)
	assert.Equal(t, "Hi\r\n", string(msgs[1].Body))
	assert.False(t, msgs[1].Partial)

	if uid, _ := f.UIDForSeq(2); uid != 200 {
		t.Errorf("UIDForSeq(2) = %v, want 200", uid)
	}
}

func TestFolder_Fetch_hugeLiteral(t *testing.T) {
	store := newTestStore(t, nil, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		selectInbox(c)

		c.Expect("UID FETCH 100 (UID BODY.PEEK[])")
		c.Write("* 1 FETCH (UID 100 BODY[] {9223372036854775807}")
		c.Write("truncated")
		c.Close()
	})
	f := openInbox(t, store)

	_, err := f.Fetch(context.Background(), []int64{100}, imap.FetchProfile{Body: true}, 0)
	require.Error(t, err)
	assert.False(t, f.IsOpen())
}

func TestFolder_Fetch_envelope(t *testing.T) {
	const hdr = "Subject: hi\r\nMessage-Id: <a@example.org>\r\n\r\n"

	store := newTestStore(t, nil, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		selectInbox(c)

		tag := c.Expect("UID FETCH 101 (UID FLAGS INTERNALDATE RFC822.SIZE " +
			"BODY.PEEK[HEADER.FIELDS (date subject from content-type to cc reply-to message-id references in-reply-to)] " +
			"BODYSTRUCTURE)")
		c.Write(`* 4 FETCH (FLAGS (\Seen) UID 77)`)
		c.Writef(`* 2 FETCH (UID 101 FLAGS (\Seen $Forwarded) INTERNALDATE "17-Jul-1996 02:44:25 -0700" `+
			`RFC822.SIZE 4286 BODYSTRUCTURE ("TEXT" "PLAIN" ("CHARSET" "US-ASCII") NIL NIL "7BIT" 3028 92) `+
			`BODY[HEADER.FIELDS ("DATE" "SUBJECT" "MESSAGE-ID")] {%d}`, len(hdr))
		c.Write(hdr + ")")
		c.OK(tag, "FETCH completed")
		c.WaitClosed()
	})
	f := openInbox(t, store)

	profile := imap.FetchProfile{Flags: true, Envelope: true, Structure: true}
	msgs, err := f.Fetch(context.Background(), []int64{101}, profile, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	msg := msgs[0]
	assert.Equal(t, []imap.Flag{imap.FlagSeen, imap.FlagForwarded}, msg.Flags)
	assert.True(t, msg.HasFlag(`\seen`))
	want := time.Date(1996, time.July, 17, 9, 44, 25, 0, time.UTC)
	if !msg.InternalDate.Equal(want) {
		t.Errorf("InternalDate = %v, want %v", msg.InternalDate, want)
	}
	assert.Equal(t, int64(4286), msg.Size)
	assert.Equal(t, "hi", msg.Header.Get("Subject"))
	assert.Equal(t, "<a@example.org>", msg.MessageID())

	require.NotNil(t, msg.Structure)
	assert.Equal(t, "text/plain", msg.Structure.MediaType)
	assert.Equal(t, "US-ASCII", msg.Structure.Params["charset"])
	assert.Equal(t, "7bit", msg.Structure.Encoding)
	assert.Equal(t, int64(3028), msg.Structure.Size)

	// The unsolicited FETCH still updates the sequence map
	if uid, _ := f.UIDForSeq(4); uid != 77 {
		t.Errorf("UIDForSeq(4) = %v, want 77", uid)
	}
}

func TestFolder_FetchSeq_multipart(t *testing.T) {
	store := newTestStore(t, nil, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		selectInbox(c)

		tag := c.Expect("UID FETCH 5:6 (UID BODYSTRUCTURE)")
		c.Write(`* 1 FETCH (UID 5 BODYSTRUCTURE (("TEXT" "PLAIN" NIL NIL NIL "7BIT" 10 1)` +
			`(("TEXT" "PLAIN" NIL NIL NIL "7BIT" 20 1)("TEXT" "HTML" NIL NIL NIL "QUOTED-PRINTABLE" 30 1) "ALTERNATIVE") ` +
			`"MIXED" ("BOUNDARY" "xyz")))`)
		c.Write(`* 2 FETCH (UID 6 BODYSTRUCTURE ("TEXT" "PLAIN" NIL NIL NIL "7BIT" 1 1))`)
		c.OK(tag, "FETCH completed")
		c.WaitClosed()
	})
	f := openInbox(t, store)

	var got []int64
	for msg, err := range f.FetchSeq(context.Background(), []int64{5, 6}, imap.FetchProfile{Structure: true}, 0) {
		require.NoError(t, err)
		got = append(got, msg.UID)
		if msg.UID != 5 {
			continue
		}

		bs := msg.Structure
		assert.Equal(t, "multipart/mixed", bs.MediaType)
		assert.Equal(t, "xyz", bs.Params["boundary"])

		var ids []string
		bs.Walk(func(part *imapstore.BodyStructure) {
			ids = append(ids, part.PartID+" "+part.MediaType)
		})
		assert.Equal(t, []string{
			"TEXT multipart/mixed",
			"1 text/plain",
			"2 multipart/alternative",
			"2.1 text/plain",
			"2.2 text/html",
		}, ids)
		break
	}
	assert.Equal(t, []int64{5}, got)
}
