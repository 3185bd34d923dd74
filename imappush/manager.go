package imappush

import (
	"context"
	"iter"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/emersion/go-imappush/imapstore"
)

const eventBufferSize = 64

// EventType is the kind of an Event.
type EventType int

const (
	EventArrived EventType = iota + 1
	EventFlagsChanged
	EventRemoved
	EventActive
	EventError
	EventAuthFailed
)

func (t EventType) String() string {
	switch t {
	case EventArrived:
		return "arrived"
	case EventFlagsChanged:
		return "flags-changed"
	case EventRemoved:
		return "removed"
	case EventActive:
		return "active"
	case EventError:
		return "error"
	case EventAuthFailed:
		return "auth-failed"
	}
	return "unknown"
}

// Event is a notification of a pusher managed by a Manager.
type Event struct {
	Type   EventType
	Folder string
	UIDs   []int64
	// Active is set for EventActive.
	Active bool
	// Msg and Err are set for EventError.
	Msg string
	Err error
}

// Manager runs one pusher per watched folder of a store.
type Manager struct {
	store    *imapstore.Store
	receiver Receiver
	options  *Options
	logger   log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu      sync.Mutex
	pushers map[string]*Pusher
	subs    map[chan Event]struct{}
	stopped bool
}

// NewManager creates a manager. Notifications are passed to receiver, and
// published to Events. A nil receiver keeps push states in memory.
func NewManager(store *imapstore.Store, receiver Receiver, options *Options) *Manager {
	if receiver == nil {
		receiver = &MemoryReceiver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:   store,
		options: options,
		logger:  log.With(options.logger(), "component", "push-manager"),
		ctx:     ctx,
		cancel:  cancel,
		pushers: make(map[string]*Pusher),
		subs:    make(map[chan Event]struct{}),
	}
	m.receiver = &eventReceiver{Receiver: receiver, m: m}
	return m
}

// Watch starts pushers for the given folders and stops the pushers of
// folders missing from the list.
func (m *Manager) Watch(folders []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	want := make(map[string]bool, len(folders))
	for _, name := range folders {
		want[name] = true
	}
	for name, p := range m.pushers {
		if !want[name] {
			level.Info(m.logger).Log("msg", "no longer watching folder", "folder", name)
			p.Stop()
			delete(m.pushers, name)
		}
	}
	for name := range want {
		if _, ok := m.pushers[name]; ok {
			continue
		}
		level.Info(m.logger).Log("msg", "watching folder", "folder", name)
		p := New(m.store, name, m.receiver, m.options)
		m.pushers[name] = p
		m.group.Go(func() error {
			return p.Run(m.ctx)
		})
	}
}

// Folders returns the names of the watched folders.
func (m *Manager) Folders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.pushers))
	for name := range m.pushers {
		names = append(names, name)
	}
	return names
}

// Refresh refreshes all pushers, see Pusher.Refresh.
func (m *Manager) Refresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pushers {
		p.Refresh()
	}
}

// Stop stops all pushers and waits for their loops to exit. It returns the
// first terminal error of a pusher, if any.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	for _, p := range m.pushers {
		p.Stop()
	}
	m.mu.Unlock()

	m.cancel()
	err := m.group.Wait()

	m.mu.Lock()
	for ch := range m.subs {
		close(ch)
	}
	m.subs = nil
	m.mu.Unlock()
	return err
}

// Events returns the notifications of all pushers. Notifications are
// buffered from the moment Events is called until ctx is done, the
// iteration ends or the manager is stopped. Push errors are yielded along
// with their event.
//
// Events are dropped if the consumer falls behind.
func (m *Manager) Events(ctx context.Context) iter.Seq2[Event, error] {
	ch := m.subscribe()
	if ch == nil {
		return func(yield func(Event, error) bool) {}
	}
	stop := context.AfterFunc(ctx, func() { m.unsubscribe(ch) })

	return func(yield func(Event, error) bool) {
		defer m.unsubscribe(ch)
		defer stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if !yield(ev, ev.Err) {
					return
				}
			}
		}
	}
}

func (m *Manager) subscribe() chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil
	}
	ch := make(chan Event, eventBufferSize)
	m.subs[ch] = struct{}{}
	return ch
}

func (m *Manager) unsubscribe(ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, ch)
}

func (m *Manager) publish(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
			level.Warn(m.logger).Log("msg", "dropping push event", "type", ev.Type, "folder", ev.Folder)
		}
	}
}

// eventReceiver forwards notifications to a receiver and publishes them.
type eventReceiver struct {
	Receiver
	m *Manager
}

func (r *eventReceiver) SetPushActive(folder string, active bool) {
	r.Receiver.SetPushActive(folder, active)
	r.m.publish(Event{Type: EventActive, Folder: folder, Active: active})
}

func (r *eventReceiver) MessagesArrived(folder string, uids []int64) {
	r.Receiver.MessagesArrived(folder, uids)
	r.m.publish(Event{Type: EventArrived, Folder: folder, UIDs: uids})
}

func (r *eventReceiver) MessagesFlagsChanged(folder string, uids []int64) {
	r.Receiver.MessagesFlagsChanged(folder, uids)
	r.m.publish(Event{Type: EventFlagsChanged, Folder: folder, UIDs: uids})
}

func (r *eventReceiver) MessagesRemoved(folder string, uids []int64) {
	r.Receiver.MessagesRemoved(folder, uids)
	r.m.publish(Event{Type: EventRemoved, Folder: folder, UIDs: uids})
}

func (r *eventReceiver) PushError(msg string, err error) {
	r.Receiver.PushError(msg, err)
	r.m.publish(Event{Type: EventError, Msg: msg, Err: err})
}

func (r *eventReceiver) AuthenticationFailed() {
	r.Receiver.AuthenticationFailed()
	r.m.publish(Event{Type: EventAuthFailed})
}
