package imap

import (
	"strconv"
	"strings"
)

// PushState is the record persisted between push sessions of a folder.
//
// It is round-tripped through an opaque string of semicolon-separated
// key=value pairs, e.g. "uidNext=42".
type PushState struct {
	// UIDNext is the UID the next arriving message is expected to get, or
	// UIDUnknown.
	UIDNext int64
}

// ParsePushState decodes a push state string.
//
// Missing keys and unparsable values are not an error: they yield UIDUnknown,
// which makes the push engine fall back to a resync of the visible window.
func ParsePushState(s string) PushState {
	state := PushState{UIDNext: UIDUnknown}
	for _, kv := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) != "uidNext" {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n < 0 {
			continue
		}
		state.UIDNext = n
	}
	return state
}

// String encodes the push state.
func (state PushState) String() string {
	return "uidNext=" + strconv.FormatInt(state.UIDNext, 10)
}

// Next returns the state after a message with the given UID was seen, and
// whether it differs from the current one. UIDNext never decreases.
func (state PushState) Next(uid int64) (PushState, bool) {
	if uid < state.UIDNext {
		return state, false
	}
	return PushState{UIDNext: uid + 1}, true
}
