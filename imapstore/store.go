// Package imapstore implements folder sessions on top of pooled IMAP
// connections.
//
// A Store is configured for one account. It hands out Folder values, one per
// folder name, which select the mailbox on demand and expose the mailbox
// operations: search, fetch, flag changes, copy, move, append and expunge.
package imapstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"golang.org/x/text/unicode/norm"

	"github.com/emersion/go-imappush"
	"github.com/emersion/go-imappush/imapclient"
	"github.com/emersion/go-imappush/internal/imapwire"
	"github.com/emersion/go-imappush/internal/utf7"
)

// Inbox is the name of the special INBOX folder. It is never prefixed.
const Inbox = "INBOX"

// FolderInfo describes a folder returned by ListFolders.
type FolderInfo struct {
	// Name is the decoded name, without the path prefix.
	Name       string
	Attrs      []string
	Delimiter  string
	Subscribed bool
}

// HasAttr checks whether the folder has a LIST attribute, e.g. \Trash.
func (info *FolderInfo) HasAttr(attr string) bool {
	for _, a := range info.Attrs {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

// Store is a remote account: a connection pool and the folders using it.
type Store struct {
	settings *imap.Settings
	options  imapclient.Options
	pool     *imapclient.Pool
	logger   log.Logger

	mu             sync.Mutex
	folders        map[string]*Folder
	prefixKnown    bool
	pathPrefix     string
	delimiter      string
	combinedPrefix *string
	permanentFlags map[imap.Flag]struct{}
}

// New creates a store. This function doesn't perform I/O.
func New(settings *imap.Settings, options *imapclient.Options) *Store {
	if options == nil {
		options = &imapclient.Options{}
	}
	logger := options.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Store{
		settings:       settings,
		options:        *options,
		pool:           imapclient.NewPool(settings, options),
		logger:         log.With(logger, "component", "store", "user", settings.Username),
		folders:        make(map[string]*Folder),
		permanentFlags: make(map[imap.Flag]struct{}),
	}
}

// Settings returns the account settings.
func (s *Store) Settings() *imap.Settings {
	return s.settings
}

// Logger returns the store logger.
func (s *Store) Logger() log.Logger {
	return s.logger
}

// Folder returns the folder with the given name. The same value is returned
// for every call with the same name.
func (s *Store) Folder(name string) *Folder {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.folders[name]; ok {
		return f
	}
	f := newFolder(s, name)
	s.folders[name] = f
	return f
}

// NewFolder returns a folder that isn't shared with other callers, e.g. for a
// push loop holding its own connection.
func (s *Store) NewFolder(name string) *Folder {
	return newFolder(s, name)
}

// acquire takes a connection from the pool and learns the path prefix and
// delimiter from the first one.
func (s *Store) acquire(ctx context.Context) (*imapclient.Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if !s.prefixKnown {
		s.prefixKnown = true
		s.pathPrefix = conn.PathPrefix()
		s.delimiter = conn.Delimiter()
		s.combinedPrefix = nil
	}
	s.mu.Unlock()
	return conn, nil
}

func (s *Store) release(conn *imapclient.Conn) {
	s.pool.Release(conn)
}

// CombinedPrefix returns the path prefix followed by the hierarchy
// delimiter, or "" if there is no prefix.
func (s *Store) CombinedPrefix() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.combinedPrefixLocked()
}

func (s *Store) combinedPrefixLocked() string {
	if s.combinedPrefix != nil {
		return *s.combinedPrefix
	}
	prefix := strings.TrimSpace(s.pathPrefix)
	delim := strings.TrimSpace(s.delimiter)
	combined := ""
	if prefix != "" {
		combined = strings.TrimSuffix(prefix, delim) + delim
	}
	s.combinedPrefix = &combined
	return combined
}

// encodeName converts a folder name to its wire form: NFC-normalized,
// prefixed, encoded in modified UTF-7 and quoted.
func (s *Store) encodeName(name string) string {
	return imapwire.Quote(utf7.Encode(s.prefixedName(name)))
}

func (s *Store) prefixedName(name string) string {
	name = norm.NFC.String(name)
	if strings.EqualFold(name, Inbox) {
		return name
	}
	prefix := s.CombinedPrefix()
	return prefix + strings.TrimPrefix(name, prefix)
}

func (s *Store) addPermanentFlags(flags []imap.Flag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range flags {
		s.permanentFlags[f] = struct{}{}
	}
}

func (s *Store) hasPermanentFlag(flag imap.Flag) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.permanentFlags[flag]
	return ok
}

// ListFolders lists the selectable folders below the path prefix. INBOX is
// always part of the result.
//
// If subscribedOnly is set, folders missing from LSUB are left out.
func (s *Store) ListFolders(ctx context.Context, subscribedOnly bool) ([]FolderInfo, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.release(conn)

	folders, err := s.listFolders(conn, "LIST")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("imapstore: unable to get folder list: %w", err)
	}
	if subscribedOnly {
		subscribed, err := s.listFolders(conn, "LSUB")
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("imapstore: unable to get subscribed folders: %w", err)
		}
		names := make(map[string]bool, len(subscribed))
		for _, info := range subscribed {
			names[info.Name] = true
		}
		filtered := folders[:0]
		for _, info := range folders {
			if names[info.Name] {
				info.Subscribed = true
				filtered = append(filtered, info)
			}
		}
		folders = filtered
	}

	return append(folders, FolderInfo{Name: Inbox, Delimiter: conn.Delimiter(), Subscribed: subscribedOnly}), nil
}

func (s *Store) listFolders(conn *imapclient.Conn, cmd string) ([]FolderInfo, error) {
	pattern := imapwire.Quote(s.CombinedPrefix() + "*")
	responses, err := conn.ExecuteSimpleCommand(cmd + ` "" ` + pattern)
	if err != nil {
		return nil, err
	}

	var folders []FolderInfo
	for _, resp := range responses {
		if resp.IsTagged() || resp.Type() != cmd {
			continue
		}
		// * LIST (attrs) "delim" name
		rawName := resp.Fields.String(3)
		name, err := utf7.Decode(rawName)
		if err != nil {
			level.Warn(s.logger).Log("msg", "skipping folder with malformed name", "name", rawName, "err", err)
			continue
		}

		info := FolderInfo{
			Attrs:     resp.Fields.List(1).Strings(),
			Delimiter: resp.Fields.String(2),
		}
		if strings.EqualFold(info.Delimiter, "NIL") {
			info.Delimiter = ""
		}

		s.mu.Lock()
		if s.delimiter == "" && info.Delimiter != "" {
			s.delimiter = info.Delimiter
			s.combinedPrefix = nil
		}
		s.mu.Unlock()

		if strings.EqualFold(name, Inbox) || info.HasAttr(imap.MailboxAttrNoSelect) {
			continue
		}
		prefix := s.CombinedPrefix()
		if !strings.HasPrefix(name, prefix) {
			// Commands always prefix folder names, this one would be unusable
			continue
		}
		info.Name = strings.TrimPrefix(name, prefix)
		folders = append(folders, info)
	}
	return folders, nil
}

// CheckSettings opens and closes a connection to validate the settings.
func (s *Store) CheckSettings(ctx context.Context) error {
	conn := imapclient.NewConn(s.settings, &s.options)
	if err := conn.Open(ctx); err != nil {
		var authErr *imap.AuthError
		if errors.As(err, &authErr) {
			return err
		}
		return fmt.Errorf("imapstore: unable to connect: %w", err)
	}
	return conn.Logout()
}

// Close closes the idle connections of the pool.
func (s *Store) Close() error {
	level.Debug(s.logger).Log("msg", "closing store")
	return s.pool.Close()
}
