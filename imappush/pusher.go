// Package imappush keeps remote folders under watch with IMAP IDLE.
//
// A Pusher holds one connection per folder. It idles until the server
// reports a change, turns the untagged responses into arrivals, flag changes
// and removals, and passes them to a Receiver. Transient errors are retried
// with an exponential backoff.
package imappush

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/emersion/go-imappush"
	"github.com/emersion/go-imappush/imapclient"
	"github.com/emersion/go-imappush/imapstore"
	"github.com/emersion/go-imappush/internal/imapwire"
)

const (
	normalDelay = 5 * time.Second
	maxDelay    = 5 * time.Minute

	idleReadTimeoutIncrement = 5 * time.Minute
	maxFailures              = 10

	// Arrivals reported after the message count grew are limited to the
	// newest UIDs.
	arrivalWindow = 10
)

var (
	// ErrPushDisabled is the terminal error of a pusher that failed too
	// many times in a row.
	ErrPushDisabled = errors.New("imappush: push disabled after too many consecutive errors")
	// ErrIdleUnsupported is the terminal error of a pusher connected to a
	// server without IDLE.
	ErrIdleUnsupported = errors.New("imappush: server is not IDLE capable")
	// ErrUIDValidityChanged is reported when the UIDVALIDITY of a folder
	// differs from the one seen when the pusher first opened it.
	ErrUIDValidityChanged = errors.New("imappush: UIDVALIDITY changed")
)

// Options contains options for Pusher and Manager.
type Options struct {
	Logger  log.Logger
	Metrics *Metrics
}

func (options *Options) logger() log.Logger {
	if options == nil || options.Logger == nil {
		return log.NewNopLogger()
	}
	return options.Logger
}

func (options *Options) metrics() *Metrics {
	if options == nil || options.Metrics == nil {
		return NewDiscardMetrics()
	}
	return options.Metrics
}

// backoff is the delay before reconnecting after an error.
type backoff struct {
	delay    time.Duration
	failures int
}

// fail returns the delay to wait now and the number of consecutive
// failures so far.
func (b *backoff) fail() (time.Duration, int) {
	if b.delay == 0 {
		b.delay = normalDelay
	}
	d := b.delay
	b.delay = min(2*b.delay, maxDelay)
	b.failures++
	return d, b.failures
}

func (b *backoff) reset() {
	b.delay = normalDelay
	b.failures = 0
}

// pushState is the part of the pusher state shared with Stop and Refresh.
type pushState struct {
	running        bool
	stopped        bool
	idling         bool
	doneSent       bool
	refreshPending bool
	conn           *imapclient.Conn
	idle           *imapclient.IdleCommand
	cancel         context.CancelFunc
	backoff        backoff
	stored         []imapstore.Untagged
	err            error
}

// Pusher watches one folder.
type Pusher struct {
	name     string
	folder   *imapstore.Folder
	settings *imap.Settings
	receiver Receiver
	logger   log.Logger
	metrics  *Metrics
	done     chan struct{}

	mu    sync.Mutex
	state pushState

	// Owned by the loop goroutine
	needsPoll   bool
	lastUIDNext int64
	uidValidity int64
	lastCount   int64
}

// New creates a pusher for a folder of store. The pusher gets its own
// connection from the store pool. This function doesn't perform I/O.
func New(store *imapstore.Store, folder string, receiver Receiver, options *Options) *Pusher {
	logger := log.With(options.logger(), "component", "pusher", "folder", folder)
	return &Pusher{
		name:        folder,
		folder:      store.NewFolder(folder),
		settings:    store.Settings(),
		receiver:    receiver,
		logger:      logger,
		metrics:     options.metrics(),
		done:        make(chan struct{}),
		state:       pushState{backoff: backoff{delay: normalDelay}},
		lastUIDNext: imap.UIDUnknown,
		uidValidity: imap.UIDUnknown,
		lastCount:   -1,
	}
}

// Name returns the name of the watched folder.
func (p *Pusher) Name() string {
	return p.name
}

// Start runs the push loop in a new goroutine.
func (p *Pusher) Start() {
	go p.Run(context.Background())
}

// Run runs the push loop until Stop is called, ctx is cancelled or a
// terminal error occurs. The terminal error is returned, see Err.
//
// Run must be called at most once.
func (p *Pusher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	if p.state.running {
		p.mu.Unlock()
		return fmt.Errorf("imappush: pusher for %v already started", p.name)
	}
	p.state.running = true
	p.state.cancel = cancel
	p.mu.Unlock()
	defer close(p.done)

	level.Info(p.logger).Log("msg", "starting push")
	stop := context.AfterFunc(ctx, p.Stop)
	defer stop()

	p.folder.SetUntaggedHook(p.storeUntagged)
	for !p.isStopped() {
		if err := p.iterate(ctx); err != nil {
			if p.handleError(ctx, err) {
				break
			}
		}
	}

	p.receiver.SetPushActive(p.name, false)
	p.folder.Close()
	level.Info(p.logger).Log("msg", "push stopped")
	return p.Err()
}

// Stop stops the push loop. The connection is closed at once, which
// interrupts IDLE or any pending command. Stop doesn't wait for the loop to
// exit, see Done.
//
// It is safe to call Stop from any goroutine and more than once.
func (p *Pusher) Stop() {
	p.mu.Lock()
	if p.state.stopped {
		p.mu.Unlock()
		return
	}
	p.state.stopped = true
	conn, cancel := p.state.conn, p.state.cancel
	if !p.state.running {
		p.state.running = true
		close(p.done)
	}
	p.mu.Unlock()

	level.Debug(p.logger).Log("msg", "stopping push")
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

// Refresh ends the current IDLE command, so that the loop checks the folder
// and idles again. DONE is sent at most once per IDLE command. Refresh does
// nothing if the pusher isn't idling.
func (p *Pusher) Refresh() {
	p.stopIdle()
}

// Done returns a channel closed when the push loop has exited.
func (p *Pusher) Done() <-chan struct{} {
	return p.done
}

// Err returns the error that stopped the push loop, if any.
func (p *Pusher) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.err
}

func (p *Pusher) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.stopped
}

// fatal stops the loop with a terminal error.
func (p *Pusher) fatal(err error) {
	p.mu.Lock()
	if p.state.err == nil {
		p.state.err = err
	}
	p.mu.Unlock()
	p.Stop()
}

func (p *Pusher) iterate(ctx context.Context) error {
	oldUIDNext := imap.ParsePushState(p.receiver.PushState(p.name)).UIDNext
	if oldUIDNext < p.lastUIDNext {
		oldUIDNext = p.lastUIDNext
	}

	fresh, err := p.openFolder(ctx)
	if err != nil {
		return err
	}
	if p.isStopped() {
		return nil
	}

	if p.settings.PollOnConnect && (fresh || p.needsPoll) {
		p.needsPoll = false
		if err := p.syncFolderOnConnect(ctx); err != nil {
			return err
		}
	}
	if p.isStopped() {
		return nil
	}

	newUIDNext, err := p.currentUIDNext(ctx)
	if err != nil {
		return err
	}
	p.lastUIDNext = newUIDNext

	startUID := max(oldUIDNext, newUIDNext-int64(p.settings.VisibleLimit()), 1)
	if newUIDNext > startUID {
		level.Debug(p.logger).Log("msg", "messages arrived while not idling", "from", startUID, "uidnext", newUIDNext)
		p.notifyArrivals(startUID, newUIDNext-1)
		return nil
	}

	if err := p.processStored(ctx); err != nil {
		return err
	}
	if p.isStopped() {
		return nil
	}

	if err := p.idle(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	p.state.backoff.reset()
	p.mu.Unlock()
	return nil
}

// openFolder opens the folder read-only and reports whether a new
// connection was needed.
func (p *Pusher) openFolder(ctx context.Context) (bool, error) {
	prev := p.folder.Conn()
	if err := p.folder.Open(ctx, imapstore.ModeReadOnly); err != nil {
		return false, err
	}
	conn := p.folder.Conn()
	if conn == nil {
		return false, fmt.Errorf("%w: %v", imap.ErrFolderNotOpen, p.name)
	}

	p.mu.Lock()
	p.state.conn = conn
	stopped := p.state.stopped
	p.mu.Unlock()
	if stopped {
		// Stop may have missed this connection
		conn.Close()
		return false, nil
	}

	if !conn.IsIdleCapable() {
		p.fatal(ErrIdleUnsupported)
		p.receiver.PushError("IMAP server is not IDLE capable: "+p.settings.Host, ErrIdleUnsupported)
		return false, ErrIdleUnsupported
	}

	fresh := conn != prev
	if fresh {
		p.onNewConnection()
	}
	return fresh, nil
}

func (p *Pusher) onNewConnection() {
	level.Debug(p.logger).Log("msg", "opened new connection")

	// The responses to SELECT describe the initial state
	p.mu.Lock()
	p.state.stored = nil
	p.mu.Unlock()
	p.lastCount = p.folder.MessageCount()

	uidValidity := p.folder.UIDValidity()
	switch {
	case uidValidity == imap.UIDUnknown:
	case p.uidValidity == imap.UIDUnknown:
		p.uidValidity = uidValidity
	case p.uidValidity != uidValidity:
		level.Warn(p.logger).Log("msg", "UIDVALIDITY changed", "old", p.uidValidity, "new", uidValidity)
		p.receiver.PushError(fmt.Sprintf("UIDVALIDITY of %v changed from %v to %v", p.name, p.uidValidity, uidValidity), ErrUIDValidityChanged)
		p.uidValidity = uidValidity
		p.needsPoll = true
	}
}

func (p *Pusher) syncFolderOnConnect(ctx context.Context) error {
	if err := p.processStored(ctx); err != nil {
		return err
	}
	if p.folder.MessageCount() < 0 {
		return fmt.Errorf("imappush: message count unknown for %v", p.name)
	}
	level.Debug(p.logger).Log("msg", "syncing folder on connect")
	return p.receiver.SyncFolder(ctx, p.name)
}

// currentUIDNext returns UIDNEXT, or the highest UID plus one on servers
// that don't send it.
func (p *Pusher) currentUIDNext(ctx context.Context) (int64, error) {
	uidNext := p.folder.UIDNext()
	if uidNext != imap.UIDUnknown {
		return uidNext, nil
	}
	highest, err := p.folder.HighestUID(ctx)
	if err != nil {
		return imap.UIDUnknown, err
	}
	if highest == imap.UIDUnknown {
		return imap.UIDUnknown, nil
	}
	return highest + 1, nil
}

// idle runs one IDLE command until the server reports a change, Refresh or
// Stop is called, or the refresh interval elapses.
func (p *Pusher) idle(ctx context.Context) error {
	conn := p.folder.Conn()
	if conn == nil {
		return fmt.Errorf("%w: %v", imap.ErrFolderNotOpen, p.name)
	}

	p.receiver.SetPushActive(p.name, true)
	p.mu.Lock()
	p.state.idling = true
	p.state.doneSent = false
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.state.idling = false
		p.state.idle = nil
		p.state.refreshPending = false
		p.mu.Unlock()
	}()

	refresh := p.settings.IdleRefreshInterval()
	conn.SetReadTimeout(refresh + idleReadTimeoutIncrement)
	defer conn.SetDefaultReadTimeout()

	var batch []*imapwire.Response
	changed := false
	level.Debug(p.logger).Log("msg", "sending IDLE")
	cmd, err := conn.Idle(func(resp *imapwire.Response) {
		batch = append(batch, resp)
		changed = changed || isChange(resp)
	})
	if err != nil {
		p.folder.HandleUntagged(batch)
		return err
	}
	p.metrics.IdleCycles.With("folder", p.name).Add(1)

	timer := time.AfterFunc(refresh, p.stopIdle)
	defer timer.Stop()

	p.mu.Lock()
	p.state.idle = cmd
	pending := p.state.stopped || p.state.refreshPending
	p.mu.Unlock()
	if pending || changed {
		p.stopIdle()
	}

	var idleErr error
	for resp, err := range cmd.Responses() {
		if err != nil {
			idleErr = err
			break
		}
		batch = append(batch, resp)
		if isChange(resp) || p.isStopped() {
			p.stopIdle()
		}
	}

	p.folder.HandleUntagged(batch)
	if idleErr != nil {
		return idleErr
	}
	return p.processStored(ctx)
}

// stopIdle sends DONE, once per IDLE command. If IDLE hasn't been
// acknowledged yet, DONE is sent as soon as it is.
func (p *Pusher) stopIdle() {
	p.mu.Lock()
	cmd, conn := p.state.idle, p.state.conn
	if cmd == nil {
		if p.state.idling {
			p.state.refreshPending = true
		}
		p.mu.Unlock()
		return
	}
	if p.state.doneSent {
		p.mu.Unlock()
		return
	}
	p.state.doneSent = true
	p.mu.Unlock()

	level.Debug(p.logger).Log("msg", "stopping IDLE")
	if conn != nil {
		conn.SetDefaultReadTimeout()
	}
	if err := cmd.Done(); err != nil {
		level.Warn(p.logger).Log("msg", "unable to send DONE", "err", err)
	}
}

// isChange reports whether a response received while idling describes a
// change of the mailbox.
func isChange(resp *imapwire.Response) bool {
	switch resp.Type() {
	case "EXISTS", "EXPUNGE", "FETCH":
		return true
	}
	return false
}

// storeUntagged keeps the responses describing changes for processing by
// the loop.
func (p *Pusher) storeUntagged(u imapstore.Untagged) {
	if !isChange(u.Response) {
		return
	}
	p.mu.Lock()
	p.state.stored = append(p.state.stored, u)
	p.mu.Unlock()
}

func (p *Pusher) processStored(ctx context.Context) error {
	for {
		p.mu.Lock()
		batch := p.state.stored
		p.state.stored = nil
		p.mu.Unlock()

		if len(batch) == 0 {
			return nil
		}
		if err := p.processUntagged(ctx, batch); err != nil {
			return err
		}
	}
}

// processUntagged turns a batch of EXISTS, EXPUNGE and FETCH responses into
// notifications. The responses have already been applied to the folder,
// which also resolved the UIDs of expunged messages.
func (p *Pusher) processUntagged(ctx context.Context, batch []imapstore.Untagged) error {
	oldCount := p.lastCount
	skipSync := oldCount < 0

	var flagSeqs, removed []int64
	for _, u := range batch {
		seq, ok := u.Response.Number()
		if !ok {
			continue
		}
		switch u.Response.Type() {
		case "FETCH":
			if !slices.Contains(flagSeqs, seq) {
				flagSeqs = append(flagSeqs, seq)
			}
		case "EXPUNGE":
			if seq <= oldCount {
				oldCount--
			}
			flagSeqs = expungeSeqs(flagSeqs, seq)
			if u.ExpungedUID != imap.UIDUnknown {
				removed = append(removed, u.ExpungedUID)
			}
		}
	}

	count := p.folder.MessageCount()
	p.lastCount = count
	level.Debug(p.logger).Log("msg", "processed untagged responses", "responses", len(batch), "count", count, "previous", oldCount)

	if !skipSync && count > oldCount {
		if err := p.syncArrivals(ctx, count); err != nil {
			return p.untaggedError(err)
		}
	}
	if len(flagSeqs) > 0 {
		if err := p.syncFlags(ctx, flagSeqs); err != nil {
			return p.untaggedError(err)
		}
	}
	if len(removed) > 0 {
		if err := p.removeMessages(ctx, removed); err != nil {
			return p.untaggedError(err)
		}
	}
	return nil
}

// untaggedError reports server rejections and returns transport errors to
// the loop.
func (p *Pusher) untaggedError(err error) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		p.receiver.PushError("Exception while processing Push untagged responses", err)
		return nil
	}
	return err
}

// syncArrivals reports the newest messages after the message count grew to
// end.
func (p *Pusher) syncArrivals(ctx context.Context, end int64) error {
	uids, err := p.folder.MessagesInRange(ctx, end, end, time.Time{}, true)
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}
	newUID := slices.Max(uids)

	oldUIDNext := imap.ParsePushState(p.receiver.PushState(p.name)).UIDNext
	if oldUIDNext < p.lastUIDNext {
		oldUIDNext = p.lastUIDNext
	}
	startUID := max(oldUIDNext, newUID-arrivalWindow, 1)
	if newUID >= startUID {
		p.notifyArrivals(startUID, newUID)
	}
	return nil
}

func (p *Pusher) notifyArrivals(start, end int64) {
	uids := make([]int64, 0, end-start+1)
	for uid := start; uid <= end; uid++ {
		uids = append(uids, uid)
	}
	p.lastUIDNext = max(p.lastUIDNext, end+1)
	p.metrics.Arrivals.With("folder", p.name).Add(float64(len(uids)))
	p.receiver.MessagesArrived(p.name, uids)
}

func (p *Pusher) syncFlags(ctx context.Context, seqs []int64) error {
	uids, err := p.folder.SearchSeqs(ctx, seqs)
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}
	p.metrics.FlagChanges.With("folder", p.name).Add(float64(len(uids)))
	p.receiver.MessagesFlagsChanged(p.name, uids)
	return nil
}

// removeMessages reports expunged messages. A UID that still exists means
// the sequence map went out of sync: it is reset and a poll is requested.
func (p *Pusher) removeMessages(ctx context.Context, uids []int64) error {
	existing, err := p.folder.ExistingUIDs(ctx, uids)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		level.Warn(p.logger).Log("msg", "expunged messages still exist, resetting sequence map", "uids", fmt.Sprint(existing))
		p.needsPoll = true
		p.folder.ResetSeqMap()
	}

	var removed []int64
	for _, uid := range uids {
		if !slices.Contains(existing, uid) {
			removed = append(removed, uid)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	p.metrics.Removals.With("folder", p.name).Add(float64(len(removed)))
	p.receiver.MessagesRemoved(p.name, removed)
	return nil
}

// handleError cleans up after a failed iteration and waits before the next
// one. It returns true if the loop must exit.
func (p *Pusher) handleError(ctx context.Context, err error) bool {
	p.mu.Lock()
	p.state.stored = nil
	p.state.idling = false
	p.mu.Unlock()
	p.receiver.SetPushActive(p.name, false)
	p.folder.Abort()

	if imap.IsAuthError(err) {
		level.Error(p.logger).Log("msg", "authentication failed, stopping push", "err", err)
		p.fatal(err)
		p.receiver.AuthenticationFailed()
		return true
	}
	if p.isStopped() {
		level.Debug(p.logger).Log("msg", "got exception while stopped, exiting", "err", err)
		return true
	}

	level.Warn(p.logger).Log("msg", "push error", "err", err)
	p.metrics.PushErrors.With("folder", p.name).Add(1)
	p.receiver.PushError("Push error for "+p.name, err)

	p.mu.Lock()
	delay, failures := p.state.backoff.fail()
	p.mu.Unlock()

	if err := p.receiver.Sleep(ctx, delay); err != nil {
		return true
	}

	if failures > maxFailures {
		level.Error(p.logger).Log("msg", "too many consecutive errors, disabling push", "failures", failures)
		p.fatal(ErrPushDisabled)
		p.receiver.PushError(fmt.Sprintf("Push disabled for %v after %v consecutive errors", p.name, failures), err)
		return true
	}
	return false
}
