package core

import (
	"sync"

	"github.com/ebfe/scard"
)

// Handle is an opaque integer standing in for a live resource in one of the
// handle tables. Zero is never allocated.
type Handle uint64

// connection is the card-side record of one connect call.
type connection struct {
	shareMode   scard.ShareMode
	protocol    scard.Protocol
	transaction bool
}

// Card is a simulated smart card. Its ATR, sharing mode and protocol are
// fixed by its kind; everything else is per connection handle.
type Card struct {
	mu          sync.Mutex
	profile     cardProfile
	next    Handle
	handles map[Handle]*connection
}

// NewCard manufactures a card of the named kind.
// Returns scard.ErrCardUnsupported if the name is not a known card kind.
func NewCard(name string) (*Card, error) {
	p, ok := lookupCardKind(name)
	if !ok {
		return nil, scard.ErrCardUnsupported
	}
	return &Card{
		profile: p,
		handles: make(map[Handle]*connection),
	}, nil
}

// Name returns the factory name of the card.
func (c *Card) Name() string { return c.profile.name }

// ATR returns a copy of the card's answer-to-reset bytes.
func (c *Card) ATR() []byte {
	atr := make([]byte, len(c.profile.atr))
	copy(atr, c.profile.atr)
	return atr
}

// Protocol returns the only protocol the card speaks.
func (c *Card) Protocol() scard.Protocol { return c.profile.protocol }

// ShareMode returns the only sharing mode the card accepts.
func (c *Card) ShareMode() scard.ShareMode { return c.profile.shareMode }

// Connect opens a connection if the requested sharing mode equals the card's
// and the protocol mask covers the card's protocol.
func (c *Card) Connect(shareMode scard.ShareMode, protocols scard.Protocol) (Handle, scard.Protocol, error) {
	if shareMode != c.profile.shareMode {
		return 0, scard.ProtocolUndefined, scard.ErrInvalidValue
	}
	if protocols&c.profile.protocol != c.profile.protocol {
		return 0, scard.ProtocolUndefined, scard.ErrInvalidValue
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.next++
	c.handles[c.next] = &connection{
		shareMode: shareMode,
		protocol:  c.profile.protocol,
	}
	return c.next, c.profile.protocol, nil
}

// Disconnect drops the connection record. Acting on the disposition (eject)
// is the reader's job.
func (c *Card) Disconnect(h Handle, disposition scard.Disposition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.handles[h]; !ok {
		return scard.ErrInvalidHandle
	}
	delete(c.handles, h)
	return nil
}

// BeginTransaction marks the connection as transacted.
func (c *Card) BeginTransaction(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, ok := c.handles[h]
	if !ok {
		return scard.ErrInvalidHandle
	}
	if conn.transaction {
		return scard.ErrSharingViolation
	}
	conn.transaction = true
	return nil
}

// EndTransaction clears the transaction flag. A ResetCard disposition still
// ends the transaction but is reported as scard.ErrResetCard.
func (c *Card) EndTransaction(h Handle, disposition scard.Disposition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, ok := c.handles[h]
	if !ok {
		return scard.ErrInvalidHandle
	}
	if !conn.transaction {
		return scard.ErrNotTransacted
	}
	conn.transaction = false

	if disposition == scard.ResetCard {
		return scard.ErrResetCard
	}
	return nil
}

// Connections returns the number of open connection handles.
func (c *Card) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// Execute runs an APDU through the card kind's hook.
func (c *Card) Execute(h Handle, cmd []byte) ([]byte, error) {
	if c.conn(h) == nil {
		return nil, scard.ErrInvalidHandle
	}
	return c.profile.execute(h, cmd)
}

func (c *Card) conn(h Handle) *connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles[h]
}
