package imap

// FetchProfile selects the message data to retrieve.
type FetchProfile struct {
	Flags bool
	// Envelope fetches the internal date, the size and the summary header
	// fields.
	Envelope  bool
	Structure bool
	// BodySane fetches the body, truncated to the maximum auto-download size
	// when one is configured.
	BodySane bool
	Body     bool
}

// EnvelopeHeaderFields are the header fields fetched for the Envelope
// profile.
var EnvelopeHeaderFields = []string{
	"date", "subject", "from", "content-type", "to", "cc",
	"reply-to", "message-id", "references", "in-reply-to",
}
