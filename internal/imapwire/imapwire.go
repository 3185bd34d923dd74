// Package imapwire implements the IMAP wire protocol.
//
// The IMAP wire protocol is defined in RFC 9051 section 4. Only the client
// side is implemented: commands are plain lines built with the helpers in
// encoder.go, responses are decoded into generic token lists.
package imapwire

import (
	"strconv"
	"strings"
)

// List is a sequence of response tokens. Items are strings (atoms, quoted
// strings and literals read into memory), nested Lists, or the values
// returned by a LiteralFunc.
type List []any

// String returns the i-th item as a string, or "" if it isn't one.
func (l List) String(i int) string {
	if i < 0 || i >= len(l) {
		return ""
	}
	s, _ := l[i].(string)
	return s
}

// List returns the i-th item as a list, or nil if it isn't one.
func (l List) List(i int) List {
	if i < 0 || i >= len(l) {
		return nil
	}
	sub, _ := l[i].(List)
	return sub
}

// Number returns the i-th item parsed as a non-negative number.
func (l List) Number(i int) (int64, bool) {
	n, err := strconv.ParseInt(l.String(i), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// IsString reports whether the i-th item is a string equal to s, ignoring
// case.
func (l List) IsString(i int, s string) bool {
	if i < 0 || i >= len(l) {
		return false
	}
	v, ok := l[i].(string)
	return ok && strings.EqualFold(v, s)
}

// KeyIndex returns the index of the first string item equal to key, ignoring
// case, or -1.
func (l List) KeyIndex(key string) int {
	for i := range l {
		if l.IsString(i, key) {
			return i
		}
	}
	return -1
}

// KeyedValue returns the item following key.
func (l List) KeyedValue(key string) any {
	i := l.KeyIndex(key)
	if i < 0 || i+1 >= len(l) {
		return nil
	}
	return l[i+1]
}

// KeyedString returns the string item following key.
func (l List) KeyedString(key string) string {
	i := l.KeyIndex(key)
	if i < 0 {
		return ""
	}
	return l.String(i + 1)
}

// KeyedList returns the list item following key.
func (l List) KeyedList(key string) List {
	i := l.KeyIndex(key)
	if i < 0 {
		return nil
	}
	return l.List(i + 1)
}

// KeyedNumber returns the number item following key.
func (l List) KeyedNumber(key string) (int64, bool) {
	i := l.KeyIndex(key)
	if i < 0 {
		return 0, false
	}
	return l.Number(i + 1)
}

// Strings returns the string items, skipping the others.
func (l List) Strings() []string {
	var out []string
	for _, v := range l {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Response is a single server response.
type Response struct {
	// Tag is empty for untagged responses and continuation requests.
	Tag          string
	Continuation bool
	Fields       List
}

// IsTagged reports whether the response completes a command.
func (resp *Response) IsTagged() bool {
	return resp.Tag != ""
}

// Type returns the response type: the status for status responses, the
// keyword otherwise. For "* 3 EXISTS" it is "EXISTS".
func (resp *Response) Type() string {
	if resp.Continuation {
		return "+"
	}
	if _, ok := resp.Fields.Number(0); ok && len(resp.Fields) > 1 {
		return strings.ToUpper(resp.Fields.String(1))
	}
	return strings.ToUpper(resp.Fields.String(0))
}

// IsStatus reports whether the response is a status response.
func (resp *Response) IsStatus() bool {
	switch strings.ToUpper(resp.Fields.String(0)) {
	case "OK", "NO", "BAD", "PREAUTH", "BYE":
		return true
	}
	return false
}

// Number returns the leading message number of responses such as
// "* 3 EXPUNGE".
func (resp *Response) Number() (int64, bool) {
	if resp.Continuation || len(resp.Fields) < 2 {
		return 0, false
	}
	return resp.Fields.Number(0)
}

// Code returns the response code list of a status response, or nil.
func (resp *Response) Code() List {
	if !resp.IsStatus() {
		return nil
	}
	return resp.Fields.List(1)
}

// CodeName returns the upper-cased name of the response code, or "".
func (resp *Response) CodeName() string {
	return strings.ToUpper(resp.Code().String(0))
}

// Text returns the human-readable text of a status response or the text of
// a continuation request.
func (resp *Response) Text() string {
	if resp.Continuation {
		return resp.Fields.String(0)
	}
	if !resp.IsStatus() || len(resp.Fields) < 2 {
		return ""
	}
	return resp.Fields.String(len(resp.Fields) - 1)
}
