package imap

import (
	"strings"
)

// Cap represents an IMAP capability.
type Cap string

// Capabilities used by the push engine.
//
// See: https://www.iana.org/assignments/imap-capabilities/
const (
	CapIMAP4rev1 Cap = "IMAP4REV1" // RFC 3501
	CapIMAP4rev2 Cap = "IMAP4REV2" // RFC 9051

	CapAuthPlain    Cap = "AUTH=PLAIN"
	CapAuthCRAMMD5  Cap = "AUTH=CRAM-MD5"
	CapAuthXOAuth2  Cap = "AUTH=XOAUTH2"
	CapAuthExternal Cap = "AUTH=EXTERNAL"

	CapStartTLS      Cap = "STARTTLS"
	CapLoginDisabled Cap = "LOGINDISABLED"

	// Folded in IMAP4rev2
	CapNamespace Cap = "NAMESPACE" // RFC 2342
	CapUIDPlus   Cap = "UIDPLUS"   // RFC 4315
	CapIdle      Cap = "IDLE"      // RFC 2177
	CapSASLIR    Cap = "SASL-IR"   // RFC 4959
	CapMove      Cap = "MOVE"      // RFC 6851
	CapUnselect  Cap = "UNSELECT"  // RFC 3691

	CapCompressDeflate Cap = "COMPRESS=DEFLATE" // RFC 4978
	CapCondStore       Cap = "CONDSTORE"        // RFC 7162
	CapQResync         Cap = "QRESYNC"          // RFC 7162
	CapID              Cap = "ID"               // RFC 2971
	CapLiteralPlus     Cap = "LITERAL+"         // RFC 7888
)

var imap4rev2Caps = CapSet{
	CapNamespace: {},
	CapUIDPlus:   {},
	CapIdle:      {},
	CapSASLIR:    {},
	CapMove:      {},
	CapUnselect:  {},
}

// AuthCap returns the capability name for an SASL authentication mechanism.
func AuthCap(mechanism string) Cap {
	return Cap("AUTH=" + strings.ToUpper(mechanism))
}

// CapSet is a set of capabilities.
//
// Capability names are stored upper-cased.
type CapSet map[Cap]struct{}

// NewCapSet builds a capability set from the tokens of a CAPABILITY response
// or response code.
func NewCapSet(tokens []string) CapSet {
	set := make(CapSet, len(tokens))
	for _, tok := range tokens {
		set[Cap(strings.ToUpper(tok))] = struct{}{}
	}
	return set
}

func (set CapSet) has(c Cap) bool {
	_, ok := set[c]
	return ok
}

// Has checks whether a capability is supported.
//
// Some capabilities are implied by others, as such Has may return true even if
// the capability is not in the map.
func (set CapSet) Has(c Cap) bool {
	c = Cap(strings.ToUpper(string(c)))
	if set.has(c) {
		return true
	}

	if set.has(CapIMAP4rev2) && imap4rev2Caps.has(c) {
		return true
	}
	if c == CapCondStore && set.has(CapQResync) {
		return true
	}

	return false
}

// AuthMechanisms returns the list of supported SASL mechanisms for
// authentication.
func (set CapSet) AuthMechanisms() []string {
	var l []string
	for c := range set {
		if !strings.HasPrefix(string(c), "AUTH=") {
			continue
		}
		mech := strings.TrimPrefix(string(c), "AUTH=")
		l = append(l, mech)
	}
	return l
}
