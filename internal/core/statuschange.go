package core

import (
	"bytes"
	"context"
	"time"

	"github.com/SimplyPrint/pcsc-sim/internal/logging"
	"github.com/ebfe/scard"
)

// Notification is the reserved reader name that asks a status-change call to
// report reader-list changes instead of card presence.
const Notification = `\\?PnP?\Notification`

// ReaderState is one entry of a status-change request. CurrentState and Atr
// are what the caller last saw; EventState and Atr are rewritten with what
// the reader shows now. The high 16 bits of both state words carry the
// reader's event count.
type ReaderState struct {
	Reader       string
	UserData     any
	CurrentState scard.StateFlag
	EventState   scard.StateFlag
	Atr          []byte
}

const presenceMask = scard.StatePresent | scard.StateEmpty

// GetStatusChange blocks until at least one entry of states differs from what
// the caller last saw, the timeout elapses (scard.ErrTimeout), the context is
// cancelled or released (scard.ErrCancelled) or ctx is done. A negative
// timeout waits forever. states is updated in place.
func (c *Context) GetStatusChange(ctx context.Context, timeout time.Duration, states []ReaderState) error {
	c.mu.RLock()
	if c.released {
		c.mu.RUnlock()
		return scard.ErrInvalidHandle
	}
	seq := c.listSeq
	c.mu.RUnlock()

	if len(states) == 0 {
		return nil
	}

	q := &statusQuery{ctx: c, seq: seq, states: states, watched: make(map[*Reader]bool)}
	o := NewObserver(q.changed)
	q.observer = o
	defer o.Close()

	o.Watch(c.readerEvents)
	if c.Released() {
		return scard.ErrCancelled
	}
	q.watchReaders()

	logging.Debug(logging.CatEvent, "Status change wait", map[string]any{
		"readers": len(states),
		"timeout": timeout.String(),
	})

	err := o.Wait(ctx, timeout)

	logging.Debug(logging.CatEvent, "Status change done", map[string]any{
		"result": CodeString(Code(err)),
	})
	return err
}

// statusQuery evaluates one status-change request. It only ever runs on the
// waiting goroutine.
type statusQuery struct {
	ctx      *Context
	observer *Observer
	seq      uint64
	states   []ReaderState
	watched  map[*Reader]bool
}

// watchReaders registers with every requested reader not yet watched. Readers
// attached during the wait are picked up on the next evaluation.
func (q *statusQuery) watchReaders() {
	for i := range q.states {
		name := q.states[i].Reader
		if name == Notification {
			continue
		}
		r, ok := q.ctx.Reader(name)
		if !ok || q.watched[r] {
			continue
		}
		q.watched[r] = true
		q.observer.Watch(r.Events())
	}
}

func (q *statusQuery) changed() bool {
	q.watchReaders()

	hit := false
	for i := range q.states {
		st := &q.states[i]
		if st.Reader == Notification {
			if q.listChanged(st) {
				hit = true
			}
			continue
		}
		if q.readerChanged(st) {
			hit = true
		}
	}
	return hit
}

func (q *statusQuery) listChanged(st *ReaderState) bool {
	q.ctx.mu.RLock()
	seq := q.ctx.listSeq
	var newest string
	if n := len(q.ctx.order); n > 0 {
		newest = q.ctx.order[n-1].ID()
	}
	q.ctx.mu.RUnlock()

	if seq == q.seq {
		st.EventState = 0
		return false
	}
	st.Reader = newest
	st.EventState = scard.StateChanged
	return true
}

func (q *statusQuery) readerChanged(st *ReaderState) bool {
	r, ok := q.ctx.Reader(st.Reader)
	if !ok {
		st.EventState = scard.StateUnknown
		return false
	}

	present, atr, counter := r.presence()
	now := scard.StateEmpty
	if present {
		now = scard.StatePresent
	}
	event := scard.StateFlag(counter&0xFFFF) << 16

	last := st.CurrentState
	changed := last == scard.StateUnaware ||
		last&presenceMask != now ||
		(last>>16 != 0 && last&^0xFFFF != event) ||
		(st.Atr != nil && !bytes.Equal(st.Atr, atr))

	st.EventState = event | now
	if !changed {
		return false
	}
	st.EventState |= scard.StateChanged
	st.Atr = atr
	return true
}
