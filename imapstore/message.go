package imapstore

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/emersion/go-imappush"
	"github.com/emersion/go-imappush/internal/imapwire"
)

// Message is a message of a remote folder. Fields are filled according to
// the FetchProfile used to fetch it.
type Message struct {
	UID          int64
	Flags        []imap.Flag
	InternalDate time.Time
	Size         int64
	Header       textproto.Header
	Structure    *BodyStructure
	Body         []byte
	// Partial is set when Body was truncated to the download limit.
	Partial bool
}

// HasFlag checks whether the message carries a flag.
func (msg *Message) HasFlag(flag imap.Flag) bool {
	for _, f := range msg.Flags {
		if strings.EqualFold(string(f), string(flag)) {
			return true
		}
	}
	return false
}

// MessageID returns the Message-ID header field, or "".
func (msg *Message) MessageID() string {
	return msg.Header.Get("Message-Id")
}

// Date returns the parsed Date header field, falling back to the internal
// date.
func (msg *Message) Date() time.Time {
	if v := msg.Header.Get("Date"); v != "" {
		if t, err := imap.ParseMessageDateTime(v); err == nil {
			return t
		}
	}
	return msg.InternalDate
}

// BodyStructure is the MIME structure of a message, from BODYSTRUCTURE.
type BodyStructure struct {
	// MediaType is lower-cased, e.g. "text/plain" or "multipart/mixed".
	MediaType string
	Params    map[string]string
	// PartID is the section specifier of the part, e.g. "1.2". The root
	// part of a single-part message is "TEXT".
	PartID   string
	Encoding string
	Size     int64
	Children []*BodyStructure
}

// Walk calls fn for the part and all its descendants, depth-first.
func (bs *BodyStructure) Walk(fn func(part *BodyStructure)) {
	fn(bs)
	for _, child := range bs.Children {
		child.Walk(fn)
	}
}

func parseBodyStructure(l imapwire.List, id string) *BodyStructure {
	if len(l) == 0 {
		return nil
	}

	if _, ok := l[0].(imapwire.List); ok {
		// multipart: (part)(part)... "subtype" ...
		bs := &BodyStructure{PartID: id}
		i := 0
		for ; i < len(l); i++ {
			child, ok := l[i].(imapwire.List)
			if !ok {
				break
			}
			childID := strconv.Itoa(i + 1)
			if id != "TEXT" {
				childID = id + "." + childID
			}
			if part := parseBodyStructure(child, childID); part != nil {
				bs.Children = append(bs.Children, part)
			}
		}
		bs.MediaType = "multipart/" + strings.ToLower(l.String(i))
		bs.Params = parseParams(l.List(i + 1))
		return bs
	}

	// "type" "subtype" (params) id description "encoding" size ...
	bs := &BodyStructure{
		PartID:    id,
		MediaType: strings.ToLower(l.String(0) + "/" + l.String(1)),
		Params:    parseParams(l.List(2)),
		Encoding:  strings.ToLower(l.String(5)),
	}
	bs.Size, _ = l.Number(6)
	return bs
}

func parseParams(l imapwire.List) map[string]string {
	if len(l) == 0 {
		return nil
	}
	params := make(map[string]string, len(l)/2)
	for i := 0; i+1 < len(l); i += 2 {
		params[strings.ToLower(l.String(i))] = l.String(i + 1)
	}
	return params
}

func parseFlags(l imapwire.List) []imap.Flag {
	flags := make([]imap.Flag, 0, len(l))
	for _, s := range l.Strings() {
		flags = append(flags, canonicalFlag(s))
	}
	return flags
}

func parseHeader(b []byte) (textproto.Header, error) {
	// Header field literals end with the empty line
	return textproto.ReadHeader(bufio.NewReader(bytes.NewReader(b)))
}
