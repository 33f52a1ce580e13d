package winscard

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/SimplyPrint/pcsc-sim/internal/core"
	"github.com/ebfe/scard"
)

// SmartCardContext represents a PC/SC context for listing readers
type SmartCardContext interface {
	ListReaders() ([]string, error)
	Connect(reader string, shareMode scard.ShareMode, protocol scard.Protocol) (SmartCard, error)
	Release() error
}

// SmartCard represents a connected smart card
type SmartCard interface {
	Transmit(cmd []byte) ([]byte, error)
	Status() (SmartCardStatus, error)
	Disconnect(disposition scard.Disposition) error
}

// SmartCardStatus represents the status of a smart card
type SmartCardStatus struct {
	Reader         string
	State          uint32
	ActiveProtocol scard.Protocol
	Atr            []byte
}

// ContextFactory creates SmartCardContext instances
type ContextFactory interface {
	EstablishContext() (SmartCardContext, error)
}

// SimulatorFactory establishes contexts on the simulator.
type SimulatorFactory struct {
	Scope Scope
}

// EstablishContext implements ContextFactory.
func (f SimulatorFactory) EstablishContext() (SmartCardContext, error) {
	return Establish(f.Scope)
}

// Client is a context handle with the two-call buffer dance done for the
// caller. It also carries the simulator-only operations.
type Client struct {
	handle Handle
}

// Establish creates a context and wraps it.
func Establish(scope Scope) (*Client, error) {
	h, err := EstablishContext(scope)
	if err != nil {
		return nil, err
	}
	return &Client{handle: h}, nil
}

// WrapContext wraps a context handle obtained elsewhere.
func WrapContext(h Handle) *Client {
	return &Client{handle: h}
}

// Handle returns the raw context handle.
func (c *Client) Handle() Handle { return c.handle }

// IsValid reports whether the context is still usable.
func (c *Client) IsValid() error { return IsValidContext(c.handle) }

// Release implements SmartCardContext.
func (c *Client) Release() error { return ReleaseContext(c.handle) }

// ListReaders implements SmartCardContext. No readers is an empty list, not
// an error.
func (c *Client) ListReaders() ([]string, error) {
	n, err := ListReaders(c.handle, nil)
	if errors.Is(err, scard.ErrNoReadersAvailable) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if n, err = ListReaders(c.handle, buf); err != nil {
		return nil, err
	}
	return SplitMultiString(buf[:n]), nil
}

// SplitMultiString decodes a NUL separated, double NUL terminated list.
func SplitMultiString(buf []byte) []string {
	var list []string
	for _, part := range bytes.Split(buf, []byte{0}) {
		if len(part) == 0 {
			break
		}
		list = append(list, string(part))
	}
	if list == nil {
		list = []string{}
	}
	return list
}

// AttachReader plugs in a reader and returns its identifier.
func (c *Client) AttachReader(name string) (string, error) {
	return AttachReader(c.handle, name)
}

// InsertCard puts a card into a reader.
func (c *Client) InsertCard(reader, card string) error {
	return InsertSmartCardInReader(c.handle, reader, card)
}

// RemoveCard ejects the card from a reader.
func (c *Client) RemoveCard(reader string) error {
	return RemoveSmartCardFromReader(c.handle, reader)
}

// Connect implements SmartCardContext.
func (c *Client) Connect(reader string, shareMode scard.ShareMode, protocol scard.Protocol) (SmartCard, error) {
	h, proto, err := Connect(c.handle, reader, shareMode, protocol)
	if err != nil {
		return nil, err
	}
	return &Card{handle: h, protocol: proto}, nil
}

// WaitStatusChange waits for a change in states; a negative timeout waits
// forever.
func (c *Client) WaitStatusChange(ctx context.Context, timeout time.Duration, states []core.ReaderState) error {
	return GetStatusChange(ctx, c.handle, Millis(timeout), states)
}

// Millis converts a duration to a millisecond timeout. Negative durations
// map to Infinite; finite ones are clamped below it.
func Millis(d time.Duration) uint32 {
	if d < 0 {
		return Infinite
	}
	ms := d / time.Millisecond
	if ms >= time.Duration(Infinite) {
		return Infinite - 1
	}
	return uint32(ms)
}

// Cancel ends pending waits on the context.
func (c *Client) Cancel() error { return Cancel(c.handle) }

// Card is a connected card handle.
type Card struct {
	handle   Handle
	protocol scard.Protocol
}

// WrapCard wraps a card handle obtained elsewhere. ActiveProtocol is
// undefined for a wrapped handle.
func WrapCard(h Handle) *Card {
	return &Card{handle: h}
}

// Handle returns the raw card handle.
func (k *Card) Handle() Handle { return k.handle }

// ActiveProtocol returns the protocol negotiated at connect.
func (k *Card) ActiveProtocol() scard.Protocol { return k.protocol }

// Transmit implements SmartCard.
func (k *Card) Transmit(cmd []byte) ([]byte, error) { return Transmit(k.handle, cmd) }

// Disconnect implements SmartCard.
func (k *Card) Disconnect(disposition scard.Disposition) error {
	return Disconnect(k.handle, disposition)
}

// BeginTransaction starts a transaction.
func (k *Card) BeginTransaction() error { return BeginTransaction(k.handle) }

// EndTransaction ends the transaction.
func (k *Card) EndTransaction(disposition scard.Disposition) error {
	return EndTransaction(k.handle, disposition)
}

// Status implements SmartCard. The informational removed-card outcome is
// returned together with the state that was read.
func (k *Card) Status() (SmartCardStatus, error) {
	probe, err := Status(k.handle, nil, nil)
	if err != nil {
		return SmartCardStatus{State: probe.State}, err
	}
	name := make([]byte, probe.ReaderLen)
	atr := make([]byte, probe.AtrLen)
	st, err := Status(k.handle, name, atr)
	if err != nil {
		return SmartCardStatus{State: st.State}, err
	}
	return SmartCardStatus{
		Reader:         st.Reader,
		State:          st.State,
		ActiveProtocol: st.Protocol,
		Atr:            st.Atr,
	}, nil
}
