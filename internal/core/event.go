package core

import (
	"context"
	"sync"
	"time"

	"github.com/ebfe/scard"
	"github.com/rs/xid"
)

// Infinite is the timeout sentinel for a wait that only a change can end.
const Infinite time.Duration = -1

// Source is one publisher of state changes: a context's reader list or a
// reader's card slot. Observers register with a token and deregister with it.
type Source struct {
	name string

	mu        sync.Mutex
	observers map[string]*Observer
}

// NewSource creates an empty source. The name only shows up in logs.
func NewSource(name string) *Source {
	return &Source{
		name:      name,
		observers: make(map[string]*Observer),
	}
}

// Name returns the source's label.
func (s *Source) Name() string { return s.name }

// Attach registers o and returns the token to pass to Detach.
func (s *Source) Attach(o *Observer) string {
	token := xid.New().String()

	s.mu.Lock()
	s.observers[token] = o
	s.mu.Unlock()

	return token
}

// Detach removes the registration for token. Unknown tokens are ignored.
func (s *Source) Detach(token string) {
	s.mu.Lock()
	delete(s.observers, token)
	s.mu.Unlock()
}

// Len returns the number of registered observers.
func (s *Source) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

// Notify wakes every registered observer. The lock is only held while the
// set is copied; waking never blocks.
func (s *Source) Notify() {
	for _, o := range s.snapshot() {
		o.signal()
	}
}

func (s *Source) snapshot() []*Observer {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]*Observer, 0, len(s.observers))
	for _, o := range s.observers {
		list = append(list, o)
	}
	return list
}

// Observer is the waiting side of one status-change call. It owns its wake
// primitive so registration, wait and deregistration stay with one caller.
type Observer struct {
	query func() bool

	wake      chan struct{}
	cancelled chan struct{}
	once      sync.Once

	mu    sync.Mutex
	links []link
}

type link struct {
	source *Source
	token  string
}

// NewObserver creates an observer that is satisfied once query returns true.
// The query runs on the waiting goroutine only.
func NewObserver(query func() bool) *Observer {
	return &Observer{
		query:     query,
		wake:      make(chan struct{}, 1),
		cancelled: make(chan struct{}),
	}
}

// Watch registers the observer with s until Close.
func (o *Observer) Watch(s *Source) {
	token := s.Attach(o)

	o.mu.Lock()
	o.links = append(o.links, link{source: s, token: token})
	o.mu.Unlock()
}

// Close deregisters the observer from every source it watches.
func (o *Observer) Close() {
	o.mu.Lock()
	links := o.links
	o.links = nil
	o.mu.Unlock()

	for _, l := range links {
		l.source.Detach(l.token)
	}
}

// Cancel makes a pending or future Wait return scard.ErrCancelled.
func (o *Observer) Cancel() {
	o.once.Do(func() { close(o.cancelled) })
}

func (o *Observer) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until the query is satisfied, the timeout elapses, the observer
// is cancelled or ctx is done. The query is evaluated once up front so a change
// that happened between registration and Wait is not lost.
// A negative timeout waits without deadline.
func (o *Observer) Wait(ctx context.Context, timeout time.Duration) error {
	if o.query() {
		return nil
	}

	var deadline <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-o.wake:
			if o.query() {
				return nil
			}
		case <-deadline:
			return scard.ErrTimeout
		case <-o.cancelled:
			return scard.ErrCancelled
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
