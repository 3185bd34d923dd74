package imapstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/emersion/go-imappush"
	"github.com/emersion/go-imappush/imapclient"
	"github.com/emersion/go-imappush/internal/imapwire"
)

// Mode is the access mode of an open folder.
type Mode int

const (
	// ModeReadOnly opens the folder with EXAMINE.
	ModeReadOnly Mode = iota + 1
	// ModeReadWrite opens the folder with SELECT.
	ModeReadWrite
)

func (mode Mode) String() string {
	switch mode {
	case ModeReadOnly:
		return "read-only"
	case ModeReadWrite:
		return "read-write"
	default:
		return "closed"
	}
}

// ErrReadOnly is returned by operations that modify a folder opened
// read-only.
var ErrReadOnly = errors.New("imapstore: folder needs to be opened for read-write access")

// Folder is a session on one mailbox.
//
// A Folder holds a connection while it is open. Commands are serialized:
// a Folder may be used from several goroutines, but only one command runs at
// a time. Close may be called at any time.
type Folder struct {
	store  *Store
	name   string
	logger log.Logger

	cmdMu sync.Mutex

	mu                sync.Mutex
	conn              *imapclient.Conn
	mode              Mode
	serverMode        Mode
	messageCount      int64
	uidNext           int64
	uidValidity       int64
	exists            bool
	inSearch          bool
	canCreateKeywords bool
	permanentFlags    []imap.Flag
	seqToUID          map[int64]int64
	untaggedHook      func(u Untagged)
}

func newFolder(store *Store, name string) *Folder {
	return &Folder{
		store:        store,
		name:         name,
		logger:       log.With(store.logger, "folder", name),
		messageCount: -1,
		uidNext:      imap.UIDUnknown,
		uidValidity:  imap.UIDUnknown,
		seqToUID:     make(map[int64]int64),
	}
}

// Name returns the folder name, without the path prefix.
func (f *Folder) Name() string {
	return f.name
}

// Open selects the mailbox.
//
// If the folder is already open in the same mode, the connection is checked
// with NOOP and reused. Otherwise a connection is taken from the pool and
// SELECT (read-write) or EXAMINE (read-only) is sent. The server may open the
// mailbox in another mode than requested, see Mode.
func (f *Folder) Open(ctx context.Context, mode Mode) error {
	f.cmdMu.Lock()
	defer f.cmdMu.Unlock()

	if _, err := f.open(ctx, mode); err != nil {
		return err
	}
	if f.MessageCount() < 0 {
		return fmt.Errorf("imapstore: did not find message count while opening %v", f.name)
	}
	return nil
}

func (f *Folder) open(ctx context.Context, mode Mode) ([]*imapwire.Response, error) {
	f.mu.Lock()
	conn, cur := f.conn, f.mode
	f.mu.Unlock()

	if conn != nil && cur == mode {
		responses, err := f.execute(conn, "NOOP")
		if err == nil {
			return responses, nil
		}
		level.Debug(f.logger).Log("msg", "connection check failed, reopening", "err", err)
	}

	f.mu.Lock()
	conn = f.conn
	f.conn = nil
	f.mode = 0
	f.mu.Unlock()
	if conn != nil {
		f.store.releaseSelected(conn)
	}

	conn, err := f.store.acquire(ctx)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.conn = conn
	f.messageCount = -1
	f.serverMode = 0
	clear(f.seqToUID)
	f.mu.Unlock()

	cmd := "EXAMINE"
	if mode == ModeReadWrite {
		cmd = "SELECT"
	}
	responses, err := f.execute(conn, cmd+" "+f.store.encodeName(f.name))
	if err != nil {
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			// A failed SELECT leaves the connection unselected
			f.mu.Lock()
			f.conn = nil
			f.mu.Unlock()
			f.store.release(conn)
			level.Info(f.logger).Log("msg", "unable to open folder", "err", err)
		}
		return nil, err
	}

	f.mu.Lock()
	f.mode = mode
	f.exists = true
	for _, resp := range responses {
		f.handleOpenResponseLocked(resp)
	}
	f.mu.Unlock()
	return responses, nil
}

func (f *Folder) handleOpenResponseLocked(resp *imapwire.Response) {
	if !resp.IsStatus() {
		return
	}
	code := resp.Code()
	switch imap.ResponseCode(resp.CodeName()) {
	case imap.ResponseCodePermanentFlags:
		var flags []imap.Flag
		canCreate := false
		for _, s := range code.List(1).Strings() {
			if imap.Flag(s) == imap.FlagWildcard {
				canCreate = true
				continue
			}
			flags = append(flags, canonicalFlag(s))
		}
		f.permanentFlags = flags
		f.canCreateKeywords = canCreate
		f.store.addPermanentFlags(flags)
	case imap.ResponseCodeReadOnly:
		if resp.IsTagged() {
			f.serverMode = ModeReadOnly
		}
	case imap.ResponseCodeReadWrite:
		if resp.IsTagged() {
			f.serverMode = ModeReadWrite
		}
	}
}

// Close releases the connection. A connection interrupted in the middle of a
// search is closed instead of being returned to the pool.
func (f *Folder) Close() {
	f.mu.Lock()
	conn := f.conn
	inSearch := f.inSearch
	f.conn = nil
	f.mode = 0
	f.messageCount = -1
	f.mu.Unlock()

	if conn == nil {
		return
	}
	if inSearch {
		level.Info(f.logger).Log("msg", "search was aborted, shutting down connection")
		conn.Close()
		return
	}
	f.store.releaseSelected(conn)
}

// Abort closes the connection without returning it to the pool.
func (f *Folder) Abort() {
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.mode = 0
	f.messageCount = -1
	f.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Untagged is an untagged response that has been applied to the folder
// state.
type Untagged struct {
	Response *imapwire.Response
	// ExpungedUID is the UID of the message removed by an EXPUNGE, if its
	// sequence number was mapped by an earlier FETCH. Otherwise it is
	// imap.UIDUnknown.
	ExpungedUID int64
}

// SetUntaggedHook registers a function called for every untagged response
// received on the folder connection, after it has been applied to the
// folder state.
func (f *Folder) SetUntaggedHook(fn func(u Untagged)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.untaggedHook = fn
}

// IsOpen reports whether the folder holds a connection.
func (f *Folder) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn != nil
}

// Mode returns the access mode the mailbox was opened in, as confirmed by the
// server, or 0 if the folder is closed.
func (f *Folder) Mode() Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return 0
	}
	if f.serverMode != 0 {
		return f.serverMode
	}
	return f.mode
}

// MessageCount returns the number of messages, or -1 if unknown.
func (f *Folder) MessageCount() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messageCount
}

// UIDNext returns the last UIDNEXT sent by the server, or imap.UIDUnknown.
func (f *Folder) UIDNext() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uidNext
}

// UIDValidity returns the UIDVALIDITY of the mailbox, or imap.UIDUnknown.
func (f *Folder) UIDValidity() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uidValidity
}

// PermanentFlags returns the flags the client can change permanently.
func (f *Folder) PermanentFlags() []imap.Flag {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]imap.Flag(nil), f.permanentFlags...)
}

// CanCreateKeywords reports whether PERMANENTFLAGS contained \*.
func (f *Folder) CanCreateKeywords() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canCreateKeywords
}

// UIDForSeq returns the UID last seen for a message sequence number in a
// FETCH response.
func (f *Folder) UIDForSeq(seq int64) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uid, ok := f.seqToUID[seq]
	return uid, ok
}

// ResetSeqMap forgets all sequence numbers mapped so far.
func (f *Folder) ResetSeqMap() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.seqToUID)
}

// Conn returns the connection held while the folder is open, or nil.
func (f *Folder) Conn() *imapclient.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

// Exists checks whether the mailbox exists on the server, with STATUS.
func (f *Folder) Exists(ctx context.Context) (bool, error) {
	f.mu.Lock()
	exists := f.exists
	f.mu.Unlock()
	if exists {
		return true, nil
	}

	var found bool
	err := f.withConn(ctx, func(conn *imapclient.Conn) error {
		_, err := conn.ExecuteSimpleCommand("STATUS " + f.store.encodeName(f.name) + " (UIDVALIDITY)")
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return nil
		} else if err != nil {
			return err
		}
		found = true
		return nil
	})
	if found {
		f.mu.Lock()
		f.exists = true
		f.mu.Unlock()
	}
	return found, err
}

// Create creates the mailbox. It returns false if the server refused.
func (f *Folder) Create(ctx context.Context) (bool, error) {
	var created bool
	err := f.withConn(ctx, func(conn *imapclient.Conn) error {
		_, err := conn.ExecuteSimpleCommand("CREATE " + f.store.encodeName(f.name))
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			level.Warn(f.logger).Log("msg", "unable to create folder", "err", err)
			return nil
		} else if err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// Delete deletes the mailbox. The folder is closed first.
func (f *Folder) Delete(ctx context.Context) error {
	f.Close()
	err := f.withConn(ctx, func(conn *imapclient.Conn) error {
		_, err := conn.ExecuteSimpleCommand("DELETE " + f.store.encodeName(f.name))
		return err
	})
	if err == nil {
		f.mu.Lock()
		f.exists = false
		f.mu.Unlock()
	}
	return err
}

// withConn runs fn on the folder connection if the folder is open, or on a
// pooled connection otherwise. These commands work in both states.
func (f *Folder) withConn(ctx context.Context, fn func(conn *imapclient.Conn) error) error {
	f.cmdMu.Lock()
	defer f.cmdMu.Unlock()

	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		return f.check(fn(conn))
	}

	conn, err := f.store.acquire(ctx)
	if err != nil {
		return err
	}
	defer f.store.release(conn)
	if err := fn(conn); err != nil {
		var imapErr *imap.Error
		if !errors.As(err, &imapErr) {
			conn.Close()
		}
		return err
	}
	return nil
}

// checkOpen returns the folder connection.
func (f *Folder) checkOpen() (*imapclient.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil, fmt.Errorf("%w: %v", imap.ErrFolderNotOpen, f.name)
	}
	return f.conn, nil
}

func (f *Folder) checkOpenWithWriteAccess() (*imapclient.Conn, error) {
	conn, err := f.checkOpen()
	if err != nil {
		return nil, err
	}
	if f.Mode() != ModeReadWrite {
		return nil, fmt.Errorf("%w: %v", ErrReadOnly, f.name)
	}
	return conn, nil
}

// execute sends a command on the folder connection and applies the untagged
// responses to the folder state.
func (f *Folder) execute(conn *imapclient.Conn, cmd string) ([]*imapwire.Response, error) {
	responses, err := conn.ExecuteCommand(cmd, f.untaggedHandler())
	return responses, f.check(err)
}

func (f *Folder) executeIDCommand(conn *imapclient.Conn, prefix, suffix string, ids []int64) ([]*imapwire.Response, error) {
	var all []*imapwire.Response
	for _, cmd := range imapwire.SplitIDCommand(prefix, suffix, ids, conn.LineLengthLimit()) {
		responses, err := f.execute(conn, cmd)
		if err != nil {
			return nil, err
		}
		all = append(all, responses...)
	}
	return all, nil
}

// check closes the folder after an I/O error. Negative completions leave the
// connection usable and are returned as is.
func (f *Folder) check(err error) error {
	if err == nil {
		return nil
	}
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return err
	}

	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.mode = 0
	f.messageCount = -1
	f.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	level.Warn(f.logger).Log("msg", "I/O error", "err", err)
	return fmt.Errorf("imapstore: I/O error on %v: %w", f.name, err)
}

// untaggedHandler returns a handler applying the untagged responses of a
// command to the folder state.
func (f *Folder) untaggedHandler() imapclient.UntaggedHandler {
	return f.handleUntagged
}

// HandleUntagged applies a batch of untagged responses to the folder state,
// e.g. responses received while idling.
func (f *Folder) HandleUntagged(responses []*imapwire.Response) {
	for _, resp := range responses {
		f.handleUntagged(resp)
	}
}

func (f *Folder) handleUntagged(resp *imapwire.Response) {
	if resp.IsTagged() || resp.Continuation {
		return
	}

	f.mu.Lock()
	u := f.handleUntaggedLocked(resp)
	hook := f.untaggedHook
	f.mu.Unlock()

	if hook != nil {
		hook(u)
	}
}

func (f *Folder) handleUntaggedLocked(resp *imapwire.Response) Untagged {
	u := Untagged{Response: resp, ExpungedUID: imap.UIDUnknown}
	switch resp.Type() {
	case "EXISTS":
		if n, ok := resp.Number(); ok {
			f.messageCount = n
			level.Debug(f.logger).Log("msg", "got untagged EXISTS", "count", n)
		}
	case "EXPUNGE":
		n, ok := resp.Number()
		if !ok {
			return u
		}
		if f.messageCount > 0 {
			f.messageCount--
		}
		if uid, ok := f.expungeSeqLocked(n); ok {
			u.ExpungedUID = uid
		}
		level.Debug(f.logger).Log("msg", "got untagged EXPUNGE", "seq", n, "count", f.messageCount)
	case "FETCH":
		seq, ok := resp.Number()
		if !ok {
			return u
		}
		if uid, ok := resp.Fields.KeyedList("FETCH").KeyedNumber("UID"); ok {
			f.seqToUID[seq] = uid
		}
	case "OK":
		switch imap.ResponseCode(resp.CodeName()) {
		case imap.ResponseCodeUIDNext:
			if n, ok := resp.Code().Number(1); ok {
				f.uidNext = n
				level.Debug(f.logger).Log("msg", "got UIDNEXT", "uidnext", n)
			}
		case imap.ResponseCodeUIDValidity:
			if n, ok := resp.Code().Number(1); ok {
				f.uidValidity = n
			}
		}
	}
	return u
}

// expungeSeqLocked renumbers the sequence number map after an EXPUNGE and
// returns the UID the expunged sequence number mapped to.
func (f *Folder) expungeSeqLocked(seq int64) (int64, bool) {
	uid, ok := f.seqToUID[seq]
	delete(f.seqToUID, seq)
	if len(f.seqToUID) == 0 {
		return uid, ok
	}
	renumbered := make(map[int64]int64, len(f.seqToUID))
	for s, u := range f.seqToUID {
		if s > seq {
			s--
		}
		renumbered[s] = u
	}
	f.seqToUID = renumbered
	return uid, ok
}

// releaseSelected returns a connection with a selected mailbox to the pool.
// The mailbox is unselected first, if the server allows it without expunging.
func (s *Store) releaseSelected(conn *imapclient.Conn) {
	if !conn.HasCap(imap.CapUnselect) {
		conn.Close()
		return
	}
	if _, err := conn.ExecuteSimpleCommand("UNSELECT"); err != nil {
		conn.Close()
		return
	}
	s.release(conn)
}

// canonicalFlag maps system flags to their canonical spelling.
func canonicalFlag(s string) imap.Flag {
	for _, flag := range []imap.Flag{
		imap.FlagSeen, imap.FlagAnswered, imap.FlagFlagged,
		imap.FlagDeleted, imap.FlagDraft, imap.FlagRecent, imap.FlagForwarded,
	} {
		if strings.EqualFold(s, string(flag)) {
			return flag
		}
	}
	return imap.Flag(s)
}

// isServerError reports whether err is a negative completion from the
// server, as opposed to a transport failure.
func isServerError(err error) bool {
	var imapErr *imap.Error
	return errors.As(err, &imapErr)
}
