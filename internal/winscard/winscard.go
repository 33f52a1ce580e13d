// Package winscard is the PC/SC-shaped call surface of the simulator. Every
// function resolves its handle through core.Handles, runs the simulated
// behavior and then reports the return code, unless a test has forced a
// different one through the stubbing store.
package winscard

import (
	"context"
	"errors"
	"time"

	"github.com/SimplyPrint/pcsc-sim/internal/core"
	"github.com/SimplyPrint/pcsc-sim/internal/logging"
	"github.com/SimplyPrint/pcsc-sim/internal/stubbing"
	"github.com/ebfe/scard"
)

// Module is the stubbing module name of this surface.
const Module = "winscard"

// Infinite is the timeout value that waits without deadline.
const Infinite uint32 = 0xFFFFFFFF

// Out-parameter names understood by the surface.
const ParamReaders = "mszReaders"

// Handle is a context or card handle.
type Handle = core.Handle

// Scope is the resource-manager scope of a context.
type Scope uint32

const (
	ScopeUser     Scope = 0
	ScopeTerminal Scope = 1
	ScopeSystem   Scope = 2
)

func (s Scope) valid() bool {
	return s <= ScopeSystem
}

// Function names used as override keys.
const (
	FnEstablishContext          = "SCardEstablishContext"
	FnReleaseContext            = "SCardReleaseContext"
	FnIsValidContext            = "SCardIsValidContext"
	FnListReaders               = "SCardListReaders"
	FnAttachReader              = "SCardAttachReader"
	FnInsertSmartCardInReader   = "SCardInsertSmartCardInReader"
	FnRemoveSmartCardFromReader = "SCardRemoveSmartCardFromReader"
	FnConnect                   = "SCardConnect"
	FnDisconnect                = "SCardDisconnect"
	FnBeginTransaction          = "SCardBeginTransaction"
	FnEndTransaction            = "SCardEndTransaction"
	FnStatus                    = "SCardStatus"
	FnGetStatusChange           = "SCardGetStatusChange"
	FnCancel                    = "SCardCancel"
	FnTransmit                  = "SCardTransmit"
)

// Functions lists every overridable function name.
var Functions = []string{
	FnEstablishContext, FnReleaseContext, FnIsValidContext, FnListReaders,
	FnAttachReader, FnInsertSmartCardInReader, FnRemoveSmartCardFromReader,
	FnConnect, FnDisconnect, FnBeginTransaction, FnEndTransaction,
	FnStatus, FnGetStatusChange, FnCancel, FnTransmit,
}

// result applies a forced return code, if any, to the simulated outcome.
// Errors that carry no PC/SC code, such as a cancelled context.Context, are
// returned unchanged.
func result(fn string, err error) error {
	var code scard.Error
	if err != nil && !errors.As(err, &code) {
		return err
	}
	if !stubbing.HasReturnCode(Module, fn) {
		return err
	}
	code = core.Code(err)
	forced := scard.Error(stubbing.ReturnCode(Module, fn, uint32(code)))
	if forced != code {
		logging.Debug(logging.CatStub, "Return code forced", map[string]any{
			"function": fn,
			"actual":   core.CodeString(code),
			"forced":   core.CodeString(forced),
		})
	}
	return core.FromCode(forced)
}

// EstablishContext creates a context in the given scope.
func EstablishContext(scope Scope) (Handle, error) {
	if !scope.valid() {
		return 0, result(FnEstablishContext, scard.ErrInvalidValue)
	}
	h, _ := core.Handles.EstablishContext()
	logging.Debug(logging.CatContext, "Context established", map[string]any{
		"context": uint64(h),
		"scope":   uint32(scope),
	})
	return h, result(FnEstablishContext, nil)
}

// ReleaseContext releases a context and every card handle obtained through it.
func ReleaseContext(hContext Handle) error {
	err := core.Handles.ReleaseContext(hContext)
	if err == nil {
		logging.Debug(logging.CatContext, "Context released", map[string]any{
			"context": uint64(hContext),
		})
	}
	return result(FnReleaseContext, err)
}

// IsValidContext reports scard.ErrInvalidHandle for a released or unknown
// context.
func IsValidContext(hContext Handle) error {
	_, err := core.Handles.Context(hContext)
	return result(FnIsValidContext, err)
}

// ListReaders writes the reader-name multi-string into buf and returns its
// size. A nil buf only asks for the size. A stored mszReaders out parameter
// replaces the simulated list.
func ListReaders(hContext Handle, buf []byte) (int, error) {
	ctx, err := core.Handles.Context(hContext)
	if err != nil {
		return 0, result(FnListReaders, err)
	}

	if data, ok := stubbing.OutParam(Module, FnListReaders, ParamReaders); ok {
		n, err := copyOut(buf, data)
		return n, result(FnListReaders, err)
	}

	n, err := ctx.ListReaders(buf)
	return n, result(FnListReaders, err)
}

func copyOut(buf, data []byte) (int, error) {
	if buf == nil {
		return len(data), nil
	}
	if len(buf) < len(data) {
		return len(data), scard.ErrInsufficientBuffer
	}
	copy(buf, data)
	return len(data), nil
}

// AttachReader plugs a reader of the named kind into the context and returns
// its identifier.
func AttachReader(hContext Handle, name string) (string, error) {
	ctx, err := core.Handles.Context(hContext)
	if err != nil {
		return "", result(FnAttachReader, err)
	}
	id, err := ctx.AttachReader(name)
	return id, result(FnAttachReader, err)
}

// InsertSmartCardInReader inserts a card of the named kind.
func InsertSmartCardInReader(hContext Handle, reader, card string) error {
	ctx, err := core.Handles.Context(hContext)
	if err != nil {
		return result(FnInsertSmartCardInReader, err)
	}
	return result(FnInsertSmartCardInReader, ctx.InsertCard(reader, card))
}

// RemoveSmartCardFromReader ejects the card from the reader.
func RemoveSmartCardFromReader(hContext Handle, reader string) error {
	ctx, err := core.Handles.Context(hContext)
	if err != nil {
		return result(FnRemoveSmartCardFromReader, err)
	}
	return result(FnRemoveSmartCardFromReader, ctx.RemoveCard(reader))
}

// Connect opens a connection to the card in reader and returns the card
// handle and the active protocol.
func Connect(hContext Handle, reader string, shareMode scard.ShareMode, protocols scard.Protocol) (Handle, scard.Protocol, error) {
	ctx, err := core.Handles.Context(hContext)
	if err != nil {
		return 0, scard.ProtocolUndefined, result(FnConnect, err)
	}
	local, proto, err := ctx.Connect(reader, shareMode, protocols)
	if err != nil {
		return 0, scard.ProtocolUndefined, result(FnConnect, err)
	}
	hCard, err := core.Handles.Bind(hContext, local)
	if err != nil {
		_ = ctx.Disconnect(local, scard.LeaveCard)
		return 0, scard.ProtocolUndefined, result(FnConnect, err)
	}
	return hCard, proto, result(FnConnect, nil)
}

// Disconnect closes the card handle. The handle is invalid afterwards.
func Disconnect(hCard Handle, disposition scard.Disposition) error {
	ctx, local, err := core.Handles.Connection(hCard)
	if err != nil {
		return result(FnDisconnect, err)
	}
	core.Handles.Unbind(hCard)
	return result(FnDisconnect, ctx.Disconnect(local, disposition))
}

// BeginTransaction starts a transaction on the card handle.
func BeginTransaction(hCard Handle) error {
	ctx, local, err := core.Handles.Connection(hCard)
	if err != nil {
		return result(FnBeginTransaction, err)
	}
	return result(FnBeginTransaction, ctx.BeginTransaction(local))
}

// EndTransaction ends the transaction on the card handle.
func EndTransaction(hCard Handle, disposition scard.Disposition) error {
	ctx, local, err := core.Handles.Connection(hCard)
	if err != nil {
		return result(FnEndTransaction, err)
	}
	return result(FnEndTransaction, ctx.EndTransaction(local, disposition))
}

// Status reports the reader state for the card handle, copying the reader
// name and ATR into the given buffers. Required sizes are always reported.
func Status(hCard Handle, readerName, atr []byte) (core.CardStatus, error) {
	ctx, local, err := core.Handles.Connection(hCard)
	if err != nil {
		return core.CardStatus{}, result(FnStatus, err)
	}
	st, err := ctx.Status(local, readerName, atr)
	return st, result(FnStatus, err)
}

// GetStatusChange waits for one of states to differ from what the caller
// last saw. timeout is in milliseconds; Infinite waits until a change,
// Cancel or ReleaseContext.
func GetStatusChange(ctx context.Context, hContext Handle, timeout uint32, states []core.ReaderState) error {
	sim, err := core.Handles.Context(hContext)
	if err != nil {
		return result(FnGetStatusChange, err)
	}
	return result(FnGetStatusChange, sim.GetStatusChange(ctx, Timeout(timeout), states))
}

// Timeout converts a millisecond timeout to a duration, mapping Infinite to
// core.Infinite.
func Timeout(ms uint32) time.Duration {
	if ms == Infinite {
		return core.Infinite
	}
	return time.Duration(ms) * time.Millisecond
}

// Cancel ends every GetStatusChange in progress on the context.
func Cancel(hContext Handle) error {
	ctx, err := core.Handles.Context(hContext)
	if err != nil {
		return result(FnCancel, err)
	}
	return result(FnCancel, ctx.Cancel())
}

// Transmit sends an APDU to the card.
func Transmit(hCard Handle, cmd []byte) ([]byte, error) {
	ctx, local, err := core.Handles.Connection(hCard)
	if err != nil {
		return nil, result(FnTransmit, err)
	}
	resp, err := ctx.Transmit(local, cmd)
	return resp, result(FnTransmit, err)
}
