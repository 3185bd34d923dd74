package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/emersion/go-imappush"
	"github.com/emersion/go-imappush/imappush"
	"github.com/emersion/go-imappush/imapstore"
	"github.com/emersion/go-imappush/internal/archive"
	"github.com/emersion/go-imappush/internal/statedb"
)

const archiveQueueSize = 256

type archiveJob struct {
	folder string
	uids   []int64
}

// receiver saves push states and queues arrived messages for archiving.
type receiver struct {
	account string
	store   *imapstore.Store
	db      *statedb.DB
	archive *archive.Archive
	logger  log.Logger
	jobs    chan archiveJob
}

var _ imappush.Receiver = (*receiver)(nil)

func newReceiver(account string, store *imapstore.Store, db *statedb.DB, arch *archive.Archive, logger log.Logger) *receiver {
	return &receiver{
		account: account,
		store:   store,
		db:      db,
		archive: arch,
		logger:  logger,
		jobs:    make(chan archiveJob, archiveQueueSize),
	}
}

func (r *receiver) PushState(folder string) string {
	state, err := r.db.PushState(r.account, folder)
	if err != nil {
		level.Warn(r.logger).Log("msg", "failed to load push state", "folder", folder, "err", err)
		return ""
	}
	return state
}

func (r *receiver) SetPushActive(folder string, active bool) {
	level.Debug(r.logger).Log("msg", "push state changed", "folder", folder, "active", active)
}

func (r *receiver) MessagesArrived(folder string, uids []int64) {
	level.Info(r.logger).Log("msg", "messages arrived", "folder", folder, "count", len(uids))

	state := imap.ParsePushState(r.PushState(folder))
	changed := false
	for _, uid := range uids {
		var ok bool
		state, ok = state.Next(uid)
		changed = changed || ok
	}
	if changed {
		if err := r.db.SetPushState(r.account, folder, state.String()); err != nil {
			level.Warn(r.logger).Log("msg", "failed to save push state", "folder", folder, "err", err)
		}
	}

	if r.archive == nil {
		return
	}
	select {
	case r.jobs <- archiveJob{folder: folder, uids: uids}:
	default:
		level.Warn(r.logger).Log("msg", "archive queue full, skipping messages", "folder", folder, "count", len(uids))
	}
}

func (r *receiver) MessagesFlagsChanged(folder string, uids []int64) {
	level.Info(r.logger).Log("msg", "message flags changed", "folder", folder, "uids", fmt.Sprint(uids))
}

func (r *receiver) MessagesRemoved(folder string, uids []int64) {
	level.Info(r.logger).Log("msg", "messages removed", "folder", folder, "uids", fmt.Sprint(uids))
}

func (r *receiver) PushError(msg string, err error) {
	level.Warn(r.logger).Log("msg", msg, "err", err)
}

func (r *receiver) AuthenticationFailed() {
	level.Error(r.logger).Log("msg", "authentication failed, push disabled for account")
}

func (r *receiver) Sleep(ctx context.Context, d time.Duration) error {
	level.Debug(r.logger).Log("msg", "waiting before reconnecting", "delay", d)
	return imappush.Sleep(ctx, d)
}

// SyncFolder checks that the folder can be opened and logs its size.
func (r *receiver) SyncFolder(ctx context.Context, folder string) error {
	f := r.store.NewFolder(folder)
	if err := f.Open(ctx, imapstore.ModeReadOnly); err != nil {
		return err
	}
	defer f.Close()
	level.Info(r.logger).Log("msg", "folder synced", "folder", folder, "messages", f.MessageCount(), "uidnext", f.UIDNext())
	return nil
}

// runArchiver uploads queued messages until ctx is done.
func (r *receiver) runArchiver(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-r.jobs:
			if err := r.archiveMessages(ctx, job); err != nil {
				level.Warn(r.logger).Log("msg", "failed to archive messages", "folder", job.folder, "err", err)
			}
		}
	}
}

func (r *receiver) archiveMessages(ctx context.Context, job archiveJob) error {
	f := r.store.NewFolder(job.folder)
	if err := f.Open(ctx, imapstore.ModeReadOnly); err != nil {
		return err
	}
	defer f.Close()

	profile := imap.FetchProfile{Envelope: true, BodySane: true}
	maxSize := r.store.Settings().MaxAutoDownloadSize
	for msg, err := range f.FetchSeq(ctx, job.uids, profile, maxSize) {
		if err != nil {
			return err
		}
		if err := r.archive.Put(ctx, r.account, job.folder, f.UIDValidity(), msg); err != nil {
			return err
		}
		level.Debug(r.logger).Log("msg", "archived message", "folder", job.folder, "uid", msg.UID, "partial", msg.Partial)
	}
	return nil
}
