package imappush

import (
	"context"
	"sync"
	"time"

	"github.com/emersion/go-imappush"
)

// Receiver is notified of the changes detected by a Pusher.
//
// Methods are called from the push loop goroutine. They may call
// Pusher.Stop or Pusher.Refresh, but must not block for long.
type Receiver interface {
	// PushState returns the persisted push state of a folder, as produced
	// by imap.PushState.String. An empty string means no state.
	PushState(folder string) string
	SetPushActive(folder string, active bool)

	MessagesArrived(folder string, uids []int64)
	MessagesFlagsChanged(folder string, uids []int64)
	MessagesRemoved(folder string, uids []int64)

	PushError(msg string, err error)
	AuthenticationFailed()

	// Sleep waits before the next connection attempt. It returns early with
	// an error if ctx is cancelled.
	Sleep(ctx context.Context, d time.Duration) error
	// SyncFolder runs a full synchronization of a folder.
	SyncFolder(ctx context.Context, folder string) error
}

// MemoryReceiver keeps push states in memory and ignores notifications.
//
// It is meant to be embedded by receivers that only care about some of the
// notifications, or to be used with Manager.Events.
type MemoryReceiver struct {
	mu     sync.Mutex
	states map[string]imap.PushState
}

var _ Receiver = (*MemoryReceiver)(nil)

func (r *MemoryReceiver) PushState(folder string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[folder]
	if !ok {
		return ""
	}
	return state.String()
}

func (r *MemoryReceiver) SetPushActive(folder string, active bool) {}

// MessagesArrived advances the push state of the folder past the highest
// UID.
func (r *MemoryReceiver) MessagesArrived(folder string, uids []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states == nil {
		r.states = make(map[string]imap.PushState)
	}
	state, ok := r.states[folder]
	if !ok {
		state = imap.PushState{UIDNext: imap.UIDUnknown}
	}
	for _, uid := range uids {
		state, _ = state.Next(uid)
	}
	r.states[folder] = state
}

func (r *MemoryReceiver) MessagesFlagsChanged(folder string, uids []int64) {}

func (r *MemoryReceiver) MessagesRemoved(folder string, uids []int64) {}

func (r *MemoryReceiver) PushError(msg string, err error) {}

func (r *MemoryReceiver) AuthenticationFailed() {}

func (r *MemoryReceiver) Sleep(ctx context.Context, d time.Duration) error {
	return Sleep(ctx, d)
}

func (r *MemoryReceiver) SyncFolder(ctx context.Context, folder string) error {
	return nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
