package imapstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/go-kit/kit/log/level"

	"github.com/emersion/go-imappush"
	"github.com/emersion/go-imappush/internal/imapwire"
)

// fetchWindowSize is the number of UIDs requested by one FETCH command.
const fetchWindowSize = 100

// Fetch retrieves the messages with the given UIDs. UIDs unknown to the
// server are left out of the result.
//
// If maxDownloadSize is positive, the BodySane profile downloads at most that
// many bytes of each message and marks truncated messages as Partial.
func (f *Folder) Fetch(ctx context.Context, uids []int64, profile imap.FetchProfile, maxDownloadSize int64) ([]*Message, error) {
	var msgs []*Message
	for msg, err := range f.FetchSeq(ctx, uids, profile, maxDownloadSize) {
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// FetchSeq is like Fetch, but yields messages as each window of UIDs
// completes. The folder isn't locked while the caller handles a message.
func (f *Folder) FetchSeq(ctx context.Context, uids []int64, profile imap.FetchProfile, maxDownloadSize int64) iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		items := fetchItems(profile, maxDownloadSize)
		for start := 0; start < len(uids); start += fetchWindowSize {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			window := uids[start:min(start+fetchWindowSize, len(uids))]
			msgs, err := f.fetchWindow(window, items, profile, maxDownloadSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, msg := range msgs {
				if !yield(msg, nil) {
					return
				}
			}
		}
	}
}

func fetchItems(profile imap.FetchProfile, maxDownloadSize int64) []string {
	items := []string{"UID"}
	if profile.Flags {
		items = append(items, "FLAGS")
	}
	if profile.Envelope {
		items = append(items, "INTERNALDATE", "RFC822.SIZE",
			"BODY.PEEK[HEADER.FIELDS ("+strings.Join(imap.EnvelopeHeaderFields, " ")+")]")
	}
	if profile.Structure {
		items = append(items, "BODYSTRUCTURE")
	}
	switch {
	case profile.Body:
		items = append(items, "BODY.PEEK[]")
	case profile.BodySane && maxDownloadSize > 0:
		items = append(items, fmt.Sprintf("BODY.PEEK[]<0.%d>", maxDownloadSize))
	case profile.BodySane:
		items = append(items, "BODY.PEEK[]")
	}
	return items
}

func (f *Folder) fetchWindow(uids []int64, items []string, profile imap.FetchProfile, maxDownloadSize int64) ([]*Message, error) {
	f.cmdMu.Lock()
	defer f.cmdMu.Unlock()

	conn, err := f.checkOpen()
	if err != nil {
		return nil, err
	}

	byUID := make(map[int64]*Message, len(uids))
	for _, uid := range uids {
		byUID[uid] = &Message{UID: uid}
	}

	cmd := fmt.Sprintf("UID FETCH %v (%v)", imapwire.FormatIDSet(uids), strings.Join(items, " "))
	tag, err := conn.SendCommand(cmd, false)
	if err != nil {
		return nil, f.check(err)
	}

	if profile.Body || profile.BodySane {
		conn.SetLongReadTimeout()
		defer conn.SetDefaultReadTimeout()
	}

	handleUntagged := f.untaggedHandler()
	seen := make(map[int64]bool, len(uids))
	handler := func(resp *imapwire.Response) {
		handleUntagged(resp)
		if resp.IsTagged() || resp.Type() != "FETCH" {
			return
		}
		fetch := resp.Fields.KeyedList("FETCH")
		uid, _ := fetch.KeyedNumber("UID")
		msg, ok := byUID[uid]
		if !ok {
			// Unsolicited, e.g. a flag change made by another client
			return
		}
		seen[uid] = true
		f.applyFetch(msg, fetch, profile, maxDownloadSize)
	}

	_, err = conn.ReadStatusResponse(tag, cmd, bodyLiteralFunc(byUID), handler)
	if err := f.check(err); err != nil {
		return nil, err
	}

	msgs := make([]*Message, 0, len(seen))
	for _, uid := range uids {
		if seen[uid] {
			msgs = append(msgs, byUID[uid])
		}
	}
	return msgs, nil
}

// maxBodyPrealloc bounds the buffer allocated up front for a body literal.
// Larger bodies grow the buffer as they are read.
const maxBodyPrealloc = 1 << 20

// bodyLiteralFunc streams message body literals into their Message. Header
// literals are left to the decoder.
func bodyLiteralFunc(byUID map[int64]*Message) imapwire.LiteralFunc {
	return func(resp *imapwire.Response, parent imapwire.List, r io.Reader, size int64) (any, error) {
		if resp.Type() != "FETCH" {
			return nil, nil
		}
		uid, ok := parent.KeyedNumber("UID")
		if !ok {
			return nil, nil
		}
		msg := byUID[uid]
		section, ok := lastBodySection(parent)
		if msg == nil || !ok || len(section) != 0 {
			return nil, nil
		}

		var buf bytes.Buffer
		buf.Grow(int(min(size, maxBodyPrealloc)))
		if _, err := io.Copy(&buf, r); err != nil {
			return nil, err
		}
		msg.Body = buf.Bytes()
		return size, nil
	}
}

// lastBodySection returns the section of the BODY item being read, given the
// FETCH list built so far: [... "BODY" (section)] or [... "BODY" (section)
// "<origin>"].
func lastBodySection(l imapwire.List) (imapwire.List, bool) {
	i := len(l) - 1
	if i >= 0 && strings.HasPrefix(l.String(i), "<") {
		i--
	}
	if i < 1 || !strings.EqualFold(l.String(i-1), "BODY") {
		return nil, false
	}
	section, ok := l[i].(imapwire.List)
	return section, ok
}

func (f *Folder) applyFetch(msg *Message, fetch imapwire.List, profile imap.FetchProfile, maxDownloadSize int64) {
	for i := 0; i+1 < len(fetch); {
		key := strings.ToUpper(fetch.String(i))
		if key != "BODY" {
			f.applyFetchItem(msg, key, fetch, i+1)
			i += 2
			continue
		}

		// BODY (section) ["<origin>"] value
		section := fetch.List(i + 1)
		i += 2
		if strings.HasPrefix(fetch.String(i), "<") {
			i++
		}
		if i >= len(fetch) {
			break
		}
		value := fetch[i]
		i++

		if len(section) > 0 {
			s, _ := value.(string)
			hdr, err := parseHeader([]byte(s))
			if err != nil {
				level.Debug(f.logger).Log("msg", "invalid header fields", "uid", msg.UID, "err", err)
				continue
			}
			msg.Header = hdr
			continue
		}
		if s, ok := value.(string); ok {
			msg.Body = []byte(s)
		}
		if profile.BodySane && !profile.Body && maxDownloadSize > 0 {
			msg.Partial = int64(len(msg.Body)) >= maxDownloadSize && (msg.Size == 0 || msg.Size > maxDownloadSize)
		}
	}
}

func (f *Folder) applyFetchItem(msg *Message, key string, fetch imapwire.List, i int) {
	switch key {
	case "FLAGS":
		msg.Flags = parseFlags(fetch.List(i))
		if msg.HasFlag(imap.FlagForwarded) {
			f.store.addPermanentFlags([]imap.Flag{imap.FlagForwarded})
		}
	case "INTERNALDATE":
		t, err := imap.ParseDateTime(fetch.String(i))
		if err != nil {
			level.Debug(f.logger).Log("msg", "invalid INTERNALDATE", "uid", msg.UID, "err", err)
			return
		}
		msg.InternalDate = t
	case "RFC822.SIZE":
		msg.Size, _ = fetch.Number(i)
	case "BODYSTRUCTURE":
		msg.Structure = parseBodyStructure(fetch.List(i), "TEXT")
	}
}
