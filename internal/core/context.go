package core

import (
	"sync"

	"github.com/SimplyPrint/pcsc-sim/internal/logging"
	"github.com/ebfe/scard"
)

// binding ties a context-scoped connection handle to the reader, the card
// instance it was opened on and the card-local handle.
type binding struct {
	reader *Reader
	card   *Card
	local  Handle
}

// Context is a namespace of readers and card connections. Reader-list
// mutations and handle-table updates are serialized by its lock; work on a
// reader or card happens outside it.
type Context struct {
	readerEvents *Source

	mu       sync.RWMutex
	readers  map[string]*Reader
	order    []*Reader
	names    []byte
	handles  map[Handle]binding
	next     Handle
	listSeq  uint64
	released bool
}

// NewContext creates an empty context.
func NewContext() *Context {
	return &Context{
		readerEvents: NewSource(Notification),
		readers:      make(map[string]*Reader),
		handles:      make(map[Handle]binding),
	}
}

// ReaderEvents returns the source notified on every reader attach.
func (c *Context) ReaderEvents() *Source { return c.readerEvents }

// AttachReader plugs in a reader of the named kind and returns its
// identifier, "<name> <n>" where n counts readers already attached with the
// same name.
func (c *Context) AttachReader(name string) (string, error) {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return "", scard.ErrInvalidHandle
	}

	suffix := 0
	for _, r := range c.order {
		if r.Name() == name {
			suffix++
		}
	}

	reader, err := NewReader(name, suffix)
	if err != nil {
		c.mu.Unlock()
		logging.Debug(logging.CatReader, "Unknown reader kind", map[string]any{
			"name":       name,
			"suggestion": SuggestReader(name),
		})
		return "", err
	}

	c.readers[reader.ID()] = reader
	c.order = append(c.order, reader)
	c.listSeq++
	c.refreshNames()
	c.mu.Unlock()

	c.readerEvents.Notify()

	logging.Debug(logging.CatReader, "Reader attached", map[string]any{
		"reader": reader.ID(),
	})
	return reader.ID(), nil
}

// refreshNames rebuilds the reader-name multi-string. Caller holds c.mu.
func (c *Context) refreshNames() {
	size := 1
	for _, r := range c.order {
		size += len(r.ID()) + 1
	}
	names := make([]byte, 0, size)
	for _, r := range c.order {
		names = append(names, r.ID()...)
		names = append(names, 0)
	}
	c.names = append(names, 0)
}

// Reader looks up an attached reader by identifier.
func (c *Context) Reader(id string) (*Reader, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.readers[id]
	return r, ok
}

// Readers returns the attached readers in attach order.
func (c *Context) Readers() []*Reader {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := make([]*Reader, len(c.order))
	copy(list, c.order)
	return list
}

// ReaderIDs returns the identifiers of the attached readers in attach order.
func (c *Context) ReaderIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, len(c.order))
	for i, r := range c.order {
		ids[i] = r.ID()
	}
	return ids
}

// ListReaders copies the reader-name multi-string into buf and returns the
// size it needs. A nil buf only probes the size; a buf that is too small is
// not written.
func (c *Context) ListReaders(buf []byte) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.released {
		return 0, scard.ErrInvalidHandle
	}
	if len(c.order) == 0 {
		return 0, scard.ErrNoReadersAvailable
	}
	need := len(c.names)
	if buf == nil {
		return need, nil
	}
	if len(buf) < need {
		return need, scard.ErrInsufficientBuffer
	}
	copy(buf, c.names)
	return need, nil
}

func (c *Context) lookupReader(id string, missing scard.Error) (*Reader, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.released {
		return nil, scard.ErrInvalidHandle
	}
	r, ok := c.readers[id]
	if !ok {
		return nil, missing
	}
	return r, nil
}

// InsertCard puts the named card into the reader.
func (c *Context) InsertCard(readerID, cardName string) error {
	r, err := c.lookupReader(readerID, scard.ErrReaderUnavailable)
	if err != nil {
		return err
	}
	if err := r.InsertCard(cardName); err != nil {
		logging.Debug(logging.CatCard, "Card insert refused", map[string]any{
			"reader":     readerID,
			"card":       cardName,
			"error":      err.Error(),
			"suggestion": SuggestCard(cardName),
		})
		return err
	}
	logging.Debug(logging.CatCard, "Card inserted", map[string]any{
		"reader": readerID,
		"card":   cardName,
		"events": r.EventCount(),
	})
	return nil
}

// RemoveCard ejects the card from the reader.
func (c *Context) RemoveCard(readerID string) error {
	r, err := c.lookupReader(readerID, scard.ErrReaderUnavailable)
	if err != nil {
		return err
	}
	if err := r.EjectCard(); err != nil {
		return err
	}
	logging.Debug(logging.CatCard, "Card removed", map[string]any{
		"reader": readerID,
		"events": r.EventCount(),
	})
	return nil
}

// Connect opens a connection to the card in the reader and records it under
// a new context-scoped handle.
func (c *Context) Connect(readerID string, shareMode scard.ShareMode, protocols scard.Protocol) (Handle, scard.Protocol, error) {
	r, err := c.lookupReader(readerID, scard.ErrUnknownReader)
	if err != nil {
		return 0, scard.ProtocolUndefined, err
	}
	card, local, proto, err := r.connect(shareMode, protocols)
	if err != nil {
		return 0, scard.ProtocolUndefined, err
	}

	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		_ = card.Disconnect(local, scard.LeaveCard)
		return 0, scard.ProtocolUndefined, scard.ErrInvalidHandle
	}
	c.next++
	h := c.next
	c.handles[h] = binding{reader: r, card: card, local: local}
	c.mu.Unlock()

	logging.Debug(logging.CatCard, "Card connected", map[string]any{
		"reader":   readerID,
		"handle":   uint64(h),
		"protocol": uint32(proto),
	})
	return h, proto, nil
}

func (c *Context) binding(h Handle) (binding, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.handles[h]
	if !ok {
		return binding{}, scard.ErrInvalidHandle
	}
	return b, nil
}

// Disconnect closes the connection. The handle is gone afterwards whatever
// the card reports.
func (c *Context) Disconnect(h Handle, disposition scard.Disposition) error {
	c.mu.Lock()
	b, ok := c.handles[h]
	delete(c.handles, h)
	c.mu.Unlock()

	if !ok {
		return scard.ErrInvalidHandle
	}
	err := b.reader.disconnect(b.card, b.local, disposition)
	logging.Debug(logging.CatCard, "Card disconnected", map[string]any{
		"reader":      b.reader.ID(),
		"handle":      uint64(h),
		"disposition": uint32(disposition),
		"result":      CodeString(Code(err)),
	})
	return err
}

// BeginTransaction starts a transaction on the connection.
func (c *Context) BeginTransaction(h Handle) error {
	b, err := c.binding(h)
	if err != nil {
		return err
	}
	return b.reader.beginTransaction(b.card, b.local)
}

// EndTransaction ends the transaction on the connection.
func (c *Context) EndTransaction(h Handle, disposition scard.Disposition) error {
	b, err := c.binding(h)
	if err != nil {
		return err
	}
	return b.reader.endTransaction(b.card, b.local, disposition)
}

// Status reports the state of the connection's reader; see Reader.Status.
func (c *Context) Status(h Handle, readerName, atr []byte) (CardStatus, error) {
	b, err := c.binding(h)
	if err != nil {
		return CardStatus{}, err
	}
	return b.reader.status(b.card, b.local, readerName, atr)
}

// Transmit sends an APDU over the connection.
func (c *Context) Transmit(h Handle, cmd []byte) ([]byte, error) {
	b, err := c.binding(h)
	if err != nil {
		return nil, err
	}
	return b.reader.transmit(b.card, b.local, cmd)
}

// Connections returns the number of live connection handles.
func (c *Context) Connections() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handles)
}

// Cancel ends every status-change wait in progress on this context with
// scard.ErrCancelled.
func (c *Context) Cancel() error {
	c.mu.RLock()
	released := c.released
	c.mu.RUnlock()
	if released {
		return scard.ErrInvalidHandle
	}
	c.cancelWaits()
	return nil
}

func (c *Context) cancelWaits() {
	for _, o := range c.readerEvents.snapshot() {
		o.Cancel()
	}
}

// Release tears the context down. Pending waits are cancelled and every
// handle derived from the context stops resolving.
func (c *Context) Release() error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return scard.ErrInvalidHandle
	}
	c.released = true
	c.readers = make(map[string]*Reader)
	c.order = nil
	c.names = nil
	c.handles = make(map[Handle]binding)
	c.mu.Unlock()

	c.cancelWaits()
	return nil
}

// Released reports whether Release has been called.
func (c *Context) Released() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.released
}
