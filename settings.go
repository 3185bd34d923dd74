package imap

import (
	"net"
	"strconv"
	"time"
)

// Security is the connection security policy.
type Security int

const (
	SecurityNone Security = iota
	// SecurityStartTLSOptional upgrades with STARTTLS when the server
	// advertises it, without verifying the server certificate.
	SecurityStartTLSOptional
	// SecurityStartTLSRequired fails with a SecurityError when the server
	// doesn't advertise STARTTLS.
	SecurityStartTLSRequired
	// SecurityTLSOptional uses implicit TLS without verifying the server
	// certificate.
	SecurityTLSOptional
	SecurityTLSRequired
)

// ImplicitTLS reports whether TLS is negotiated before the greeting.
func (sec Security) ImplicitTLS() bool {
	return sec == SecurityTLSOptional || sec == SecurityTLSRequired
}

// Verify reports whether the server certificate must be verified.
func (sec Security) Verify() bool {
	return sec == SecurityStartTLSRequired || sec == SecurityTLSRequired
}

func (sec Security) String() string {
	switch sec {
	case SecurityNone:
		return "none"
	case SecurityStartTLSOptional:
		return "starttls-optional"
	case SecurityStartTLSRequired:
		return "starttls"
	case SecurityTLSOptional:
		return "tls-optional"
	case SecurityTLSRequired:
		return "tls"
	}
	return "unknown"
}

// AuthType is the authentication mechanism.
type AuthType int

const (
	// AuthPlain uses AUTHENTICATE PLAIN, falling back to LOGIN.
	AuthPlain AuthType = iota
	AuthCRAMMD5
	AuthXOAuth2
	// AuthExternal relies on a TLS client certificate.
	AuthExternal
)

func (t AuthType) String() string {
	switch t {
	case AuthPlain:
		return "plain"
	case AuthCRAMMD5:
		return "cram-md5"
	case AuthXOAuth2:
		return "xoauth2"
	case AuthExternal:
		return "external"
	}
	return "unknown"
}

// NetworkType is the kind of network the device is currently attached to.
type NetworkType int

const (
	NetworkWiFi NetworkType = iota
	NetworkMobile
	NetworkOther
)

// Default values for Settings fields left empty.
const (
	DefaultIdleRefresh  = 24 * time.Minute
	DefaultDisplayCount = 25
	DefaultPortTLS      = 993
	DefaultPort         = 143
)

// Settings describes a remote IMAP store.
type Settings struct {
	Host     string
	Port     int
	Security Security

	AuthType AuthType
	Username string
	Password string

	// PathPrefix overrides the namespace prefix prepended to folder names.
	// When empty and AutoDetectNamespace is set, the personal namespace
	// advertised by the server is used.
	PathPrefix          string
	AutoDetectNamespace bool
	// Delimiter overrides the hierarchy delimiter.
	Delimiter string

	// Compression enables COMPRESS=DEFLATE per network type. Networks
	// missing from the map don't use compression.
	Compression map[NetworkType]bool

	// IdleRefresh is the interval after which IDLE is renewed by the server
	// or the client.
	IdleRefresh time.Duration
	// DisplayCount bounds the number of messages pushed as arrivals after a
	// long absence.
	DisplayCount int
	// MaxAutoDownloadSize bounds partial body downloads. Zero means no
	// limit.
	MaxAutoDownloadSize int64
	// PollOnConnect forces a full folder sync each time the push engine
	// opens a new connection.
	PollOnConnect bool
	// RemoteSearchFullText searches message text instead of subject and
	// sender.
	RemoteSearchFullText bool
	// ExpungeImmediately expunges after moving messages away from a
	// folder on servers without UIDPLUS.
	ExpungeImmediately bool
	// TrashFolder is the destination of deleted messages. Empty means
	// messages are only flagged as deleted.
	TrashFolder string
}

// Address returns the host:port pair to dial.
func (s *Settings) Address() string {
	port := s.Port
	if port == 0 {
		port = DefaultPort
		if s.Security.ImplicitTLS() {
			port = DefaultPortTLS
		}
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// UseCompression reports whether COMPRESS=DEFLATE may be negotiated on the
// given network.
func (s *Settings) UseCompression(network NetworkType) bool {
	return s.Compression[network]
}

// IdleRefreshInterval returns IdleRefresh or its default.
func (s *Settings) IdleRefreshInterval() time.Duration {
	if s.IdleRefresh <= 0 {
		return DefaultIdleRefresh
	}
	return s.IdleRefresh
}

// VisibleLimit returns DisplayCount or its default.
func (s *Settings) VisibleLimit() int {
	if s.DisplayCount <= 0 {
		return DefaultDisplayCount
	}
	return s.DisplayCount
}
