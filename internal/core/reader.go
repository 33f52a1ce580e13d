package core

import (
	"strconv"
	"sync"

	"github.com/ebfe/scard"
)

// CardStatus is the result of a status call. ReaderLen and AtrLen are the
// buffer sizes the caller needs and are filled even when the call fails.
type CardStatus struct {
	Reader    string
	State     uint32
	Protocol  scard.Protocol
	Atr       []byte
	ReaderLen int
	AtrLen    int
}

// Reader is one simulated slot. It holds at most one card and proxies every
// card operation to it.
type Reader struct {
	profile readerProfile
	suffix  int
	id      string
	events  *Source

	mu      sync.Mutex
	card    *Card
	counter uint32
}

// NewReader builds a reader of the named kind with the given suffix.
// Returns scard.ErrUnknownReader if the name is not a known reader kind.
func NewReader(name string, suffix int) (*Reader, error) {
	p, ok := lookupReaderKind(name)
	if !ok {
		return nil, scard.ErrUnknownReader
	}
	id := readerID(name, suffix)
	return &Reader{
		profile: p,
		suffix:  suffix,
		id:      id,
		events:  NewSource(id),
	}, nil
}

func readerID(name string, suffix int) string {
	return name + " " + strconv.Itoa(suffix)
}

// Name returns the base name the reader was attached with.
func (r *Reader) Name() string { return r.profile.name }

// ID returns the identifier unique within the owning context.
func (r *Reader) ID() string { return r.id }

// Suffix returns the number that disambiguates readers with the same name.
func (r *Reader) Suffix() int { return r.suffix }

// Kind returns the reader model.
func (r *Reader) Kind() ReaderKind { return r.profile.kind }

// Pinpad reports whether the reader model has a PIN pad.
func (r *Reader) Pinpad() bool { return r.profile.pinpad }

// Events returns the card-presence source.
func (r *Reader) Events() *Source { return r.events }

// HasCard reports whether a card is inserted.
func (r *Reader) HasCard() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.card != nil
}

// CardName returns the factory name of the inserted card, or "".
func (r *Reader) CardName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.card == nil {
		return ""
	}
	return r.card.Name()
}

// EventCount returns the number of inserts and ejects seen so far.
func (r *Reader) EventCount() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counter
}

// State returns the status word: event counter in the high 16 bits, absent or
// specific in the low byte.
func (r *Reader) State() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *Reader) stateLocked() uint32 {
	state := (r.counter & 0xFFFF) << 16
	if r.card == nil {
		return state | uint32(scard.Absent)
	}
	return state | uint32(scard.Specific)
}

// presence returns what a status-change query needs in one locked read.
func (r *Reader) presence() (present bool, atr []byte, counter uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.card != nil {
		return true, r.card.ATR(), r.counter
	}
	return false, nil, r.counter
}

// InsertCard manufactures the named card and puts it in the slot.
func (r *Reader) InsertCard(cardName string) error {
	r.mu.Lock()
	if r.card != nil {
		r.mu.Unlock()
		return ErrCardInReader
	}
	card, err := NewCard(cardName)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.card = card
	r.counter++
	r.mu.Unlock()

	r.events.Notify()
	return nil
}

// EjectCard removes the inserted card. All of its connection handles die with it.
func (r *Reader) EjectCard() error {
	return r.eject(nil)
}

// eject removes the card only if it is still expected (nil means any card).
func (r *Reader) eject(expected *Card) error {
	r.mu.Lock()
	if r.card == nil {
		r.mu.Unlock()
		return scard.ErrNoSmartcard
	}
	if expected != nil && r.card != expected {
		r.mu.Unlock()
		return scard.ErrRemovedCard
	}
	r.card = nil
	r.counter++
	r.mu.Unlock()

	r.events.Notify()
	return nil
}

// cardFor returns the inserted card if it is the expected one. A nil expected
// card accepts whatever is inserted.
func (r *Reader) cardFor(expected *Card) (*Card, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.card == nil {
		return nil, scard.ErrNoSmartcard
	}
	if expected != nil && r.card != expected {
		return nil, scard.ErrRemovedCard
	}
	return r.card, nil
}

// Connect opens a connection on the inserted card.
func (r *Reader) Connect(shareMode scard.ShareMode, protocols scard.Protocol) (Handle, scard.Protocol, error) {
	_, h, proto, err := r.connect(shareMode, protocols)
	return h, proto, err
}

func (r *Reader) connect(shareMode scard.ShareMode, protocols scard.Protocol) (*Card, Handle, scard.Protocol, error) {
	card, err := r.cardFor(nil)
	if err != nil {
		return nil, 0, scard.ProtocolUndefined, err
	}
	h, proto, err := card.Connect(shareMode, protocols)
	if err != nil {
		return nil, 0, scard.ProtocolUndefined, err
	}
	return card, h, proto, nil
}

// Disconnect closes h on the inserted card. An EjectCard disposition ejects
// the card afterwards; the card's own result is what gets reported.
func (r *Reader) Disconnect(h Handle, disposition scard.Disposition) error {
	return r.disconnect(nil, h, disposition)
}

func (r *Reader) disconnect(expected *Card, h Handle, disposition scard.Disposition) error {
	card, err := r.cardFor(expected)
	if err != nil {
		return err
	}
	err = card.Disconnect(h, disposition)
	if disposition == scard.EjectCard {
		_ = r.eject(card)
	}
	return err
}

// BeginTransaction starts a transaction on h.
func (r *Reader) BeginTransaction(h Handle) error {
	return r.beginTransaction(nil, h)
}

func (r *Reader) beginTransaction(expected *Card, h Handle) error {
	card, err := r.cardFor(expected)
	if err != nil {
		return err
	}
	return card.BeginTransaction(h)
}

// EndTransaction ends the transaction on h, ejecting the card afterwards for
// an EjectCard disposition.
func (r *Reader) EndTransaction(h Handle, disposition scard.Disposition) error {
	return r.endTransaction(nil, h, disposition)
}

func (r *Reader) endTransaction(expected *Card, h Handle, disposition scard.Disposition) error {
	card, err := r.cardFor(expected)
	if err != nil {
		return err
	}
	err = card.EndTransaction(h, disposition)
	if disposition == scard.EjectCard {
		_ = r.eject(card)
	}
	return err
}

// Transmit sends an APDU through the reader model to the card.
func (r *Reader) Transmit(h Handle, cmd []byte) ([]byte, error) {
	return r.transmit(nil, h, cmd)
}

func (r *Reader) transmit(expected *Card, h Handle, cmd []byte) ([]byte, error) {
	card, err := r.cardFor(expected)
	if err != nil {
		return nil, err
	}
	return r.profile.execute(card, h, cmd)
}

// Status reports the reader state for h and copies the reader identifier
// (NUL terminated) and the ATR into the supplied buffers. A nil buffer skips
// that output. A buffer that is too small fails the call with
// scard.ErrInsufficientBuffer and is left untouched; the required sizes are
// always reported.
func (r *Reader) Status(h Handle, readerName, atr []byte) (CardStatus, error) {
	return r.status(nil, h, readerName, atr)
}

func (r *Reader) status(expected *Card, h Handle, readerName, atr []byte) (CardStatus, error) {
	r.mu.Lock()
	st := CardStatus{
		State:     r.stateLocked(),
		ReaderLen: len(r.id) + 1,
	}
	card := r.card
	r.mu.Unlock()

	if card == nil || (expected != nil && card != expected) {
		return st, scard.ErrRemovedCard
	}

	cardATR := card.ATR()
	st.Protocol = card.Protocol()
	st.AtrLen = len(cardATR)

	if card.conn(h) == nil {
		return st, scard.ErrInvalidHandle
	}
	if readerName != nil && len(readerName) < st.ReaderLen {
		return st, scard.ErrInsufficientBuffer
	}
	if atr != nil && len(atr) < st.AtrLen {
		return st, scard.ErrInsufficientBuffer
	}

	if readerName != nil {
		n := copy(readerName, r.id)
		readerName[n] = 0
	}
	if atr != nil {
		copy(atr, cardATR)
	}
	st.Reader = r.id
	st.Atr = cardATR
	return st, nil
}
