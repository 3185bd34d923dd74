package imapstore

import (
	"bytes"
	"context"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/go-kit/kit/log/level"

	"github.com/emersion/go-imappush"
	"github.com/emersion/go-imappush/imapclient"
	"github.com/emersion/go-imappush/internal/imapwire"
)

// Append uploads messages to the folder. Each message needs Body, the raw
// RFC 5322 message, and may carry Flags.
//
// The returned slice holds the UID of each uploaded message, taken from
// APPENDUID or looked up by Message-ID, or imap.UIDUnknown.
func (f *Folder) Append(ctx context.Context, msgs []*Message) ([]int64, error) {
	f.cmdMu.Lock()
	defer f.cmdMu.Unlock()

	conn, err := f.checkOpen()
	if err != nil {
		return nil, err
	}

	uids := make([]int64, 0, len(msgs))
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return uids, err
		}
		uid, err := f.appendOne(conn, msg)
		if err != nil {
			return uids, err
		}
		uids = append(uids, uid)
	}
	return uids, nil
}

func (f *Folder) appendOne(conn *imapclient.Conn, msg *Message) (int64, error) {
	flags := f.filterFlags(msg.Flags)
	responses, err := conn.Append(f.store.encodeName(f.name), flags, int64(len(msg.Body)), bytes.NewReader(msg.Body))
	if err := f.check(err); err != nil {
		return imap.UIDUnknown, err
	}
	f.HandleUntagged(responses)

	for _, resp := range responses {
		if resp.IsTagged() && resp.CodeName() == string(imap.ResponseCodeAppendUID) {
			if uid, ok := resp.Code().Number(2); ok {
				return uid, nil
			}
		}
	}

	// No UIDPLUS: find the message we just uploaded
	messageID := appendedMessageID(msg)
	if messageID == "" {
		return imap.UIDUnknown, nil
	}
	uids, err := f.search(conn, "UID SEARCH HEADER MESSAGE-ID "+imapwire.Quote(messageID))
	if err != nil {
		if isServerError(err) {
			level.Debug(f.logger).Log("msg", "unable to look up appended message", "err", err)
			return imap.UIDUnknown, nil
		}
		return imap.UIDUnknown, err
	}
	if len(uids) == 0 {
		return imap.UIDUnknown, nil
	}
	return uids[0], nil
}

// appendedMessageID returns the Message-ID of a message, from its parsed
// header or from its raw body.
func appendedMessageID(msg *Message) string {
	hdr := msg.Header
	if hdr.Len() == 0 {
		parsed, err := parseHeader(msg.Body)
		if err != nil {
			return ""
		}
		hdr = parsed
	}
	h := mail.Header{Header: message.Header{Header: hdr}}
	id, err := h.MessageID()
	if err != nil || id == "" {
		return ""
	}
	return "<" + id + ">"
}
