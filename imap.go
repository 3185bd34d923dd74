// Package imap contains the types shared by the IMAP push engine: message
// flags, capabilities, server errors, connection settings and push state.
//
// The protocol itself is implemented by the imapclient (connections and the
// connection pool), imapstore (folder sessions) and imappush (IDLE-based push)
// packages.
package imap

// Flag is a message flag.
//
// Message flags are defined in RFC 9051 section 2.3.2.
type Flag string

const (
	// System flags
	FlagSeen     Flag = "\\Seen"
	FlagAnswered Flag = "\\Answered"
	FlagFlagged  Flag = "\\Flagged"
	FlagDeleted  Flag = "\\Deleted"
	FlagDraft    Flag = "\\Draft"
	FlagRecent   Flag = "\\Recent"

	// Widely used flags
	FlagForwarded Flag = "$Forwarded"

	// Permanent flags
	FlagWildcard Flag = "\\*"
)

// UIDUnknown is the sentinel for a UID or UIDNEXT value the server never
// supplied.
const UIDUnknown int64 = -1

// MailboxAttrNoSelect marks a mailbox that cannot be selected.
const MailboxAttrNoSelect = "\\Noselect"

// searchKeys maps system flags to the SEARCH keys matching messages with and
// without the flag.
var searchKeys = map[Flag][2]string{
	FlagDeleted:  {"DELETED", "UNDELETED"},
	FlagSeen:     {"SEEN", "UNSEEN"},
	FlagAnswered: {"ANSWERED", "UNANSWERED"},
	FlagFlagged:  {"FLAGGED", "UNFLAGGED"},
	FlagDraft:    {"DRAFT", "UNDRAFT"},
	FlagRecent:   {"RECENT", "OLD"},
}
