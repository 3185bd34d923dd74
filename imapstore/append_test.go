package imapstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emersion/go-imappush"
	"github.com/emersion/go-imappush/imapstore"
	"github.com/emersion/go-imappush/internal/imaptest"
)

const appendedMessage = "Message-Id: <m1@example.org>\r\nSubject: note\r\n\r\nHello\r\n"

func TestFolder_Append_appendUID(t *testing.T) {
	store := newTestStore(t, nil, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1", "UIDPLUS", "LITERAL+")
		selectInbox(c)

		tag := c.Expect(`APPEND "INBOX" (\Seen) {54+}`)
		if got := c.ReadLiteral(len(appendedMessage)); got != appendedMessage {
			t.Errorf("literal = %q, want %q", got, appendedMessage)
		}
		c.ReadLine()
		c.Write("* 6 EXISTS")
		c.Writef("%v OK [APPENDUID 38505 3955] APPEND completed", tag)
		c.WaitClosed()
	})
	f := openInbox(t, store)

	uids, err := f.Append(context.Background(), []*imapstore.Message{{
		Flags: []imap.Flag{imap.FlagSeen},
		Body:  []byte(appendedMessage),
	}})
	require.NoError(t, err)
	assert.Equal(t, []int64{3955}, uids)
	assert.Equal(t, int64(6), f.MessageCount())
}

func TestFolder_Append_messageIDFallback(t *testing.T) {
	store := newTestStore(t, nil, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		selectInbox(c)

		tag := c.Expect(`APPEND "INBOX" {54}`)
		c.Write("+ Ready for literal data")
		c.ReadLiteral(len(appendedMessage))
		c.ReadLine()
		c.OK(tag, "APPEND completed")

		tag = c.Expect(`UID SEARCH HEADER MESSAGE-ID "<m1@example.org>"`)
		c.Write("* SEARCH 12")
		c.OK(tag, "SEARCH completed")
		c.WaitClosed()
	})
	f := openInbox(t, store)

	uids, err := f.Append(context.Background(), []*imapstore.Message{{Body: []byte(appendedMessage)}})
	require.NoError(t, err)
	assert.Equal(t, []int64{12}, uids)
}

func TestFolder_Append_rejected(t *testing.T) {
	store := newTestStore(t, nil, func(c *imaptest.Conn) {
		c.Handshake("IMAP4rev1")
		selectInbox(c)

		tag := c.Expect(`APPEND "INBOX" {54}`)
		c.Writef("%v NO [OVERQUOTA] Quota exceeded", tag)
		c.WaitClosed()
	})
	f := openInbox(t, store)

	_, err := f.Append(context.Background(), []*imapstore.Message{{Body: []byte(appendedMessage)}})
	var imapErr *imap.Error
	require.ErrorAs(t, err, &imapErr)
	assert.Equal(t, imap.ResponseCode("OVERQUOTA"), imapErr.Code)
	assert.True(t, f.IsOpen())
}
