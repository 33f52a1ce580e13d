package api

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/SimplyPrint/pcsc-sim/internal/core"
	"github.com/SimplyPrint/pcsc-sim/internal/logging"
	"github.com/SimplyPrint/pcsc-sim/internal/stubbing"
	"github.com/SimplyPrint/pcsc-sim/internal/winscard"
	"github.com/ebfe/scard"
)

// maxWait caps infinite and overlong status-change waits coming in over the
// network.
var maxWait = 5 * time.Minute

// SetMaxWait sets the cap for status-change waits. Non-positive values are
// ignored.
func SetMaxWait(d time.Duration) {
	if d > 0 {
		maxWait = d
	}
}

// requestError is a malformed request, reported as 400.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

// suggestionError carries a "did you mean" hint for an unknown kind name.
type suggestionError struct {
	err        error
	suggestion string
}

func (e *suggestionError) Error() string { return e.err.Error() }
func (e *suggestionError) Unwrap() error { return e.err }

func withSuggestion(err error, suggestion string) error {
	if err == nil || suggestion == "" {
		return err
	}
	return &suggestionError{err: err, suggestion: suggestion}
}

type scopeRequest struct {
	Scope uint32 `json:"scope"`
}

type contextResponse struct {
	Context uint64 `json:"context"`
}

type attachRequest struct {
	Context uint64 `json:"context,omitempty"`
	Name    string `json:"name"`
}

type cardRequest struct {
	Context uint64 `json:"context,omitempty"`
	Reader  string `json:"reader,omitempty"`
	Card    string `json:"card"`
}

type connectRequest struct {
	Context   uint64 `json:"context,omitempty"`
	Reader    string `json:"reader"`
	ShareMode string `json:"shareMode,omitempty"`
	Protocols string `json:"protocols,omitempty"`
}

type connectResponse struct {
	Card     uint64 `json:"card"`
	Protocol string `json:"protocol"`
}

type statusResponse struct {
	Reader   string `json:"reader,omitempty"`
	State    uint32 `json:"state"`
	Protocol string `json:"protocol,omitempty"`
	Atr      string `json:"atr,omitempty"`
}

// readerState is the wire form of core.ReaderState.
type readerState struct {
	Reader       string `json:"reader"`
	CurrentState uint32 `json:"currentState"`
	EventState   uint32 `json:"eventState"`
	Atr          string `json:"atr,omitempty"`
}

type statusChangeRequest struct {
	Context uint64        `json:"context,omitempty"`
	Timeout *uint32       `json:"timeout,omitempty"`
	States  []readerState `json:"states"`
}

type transmitRequest struct {
	Card uint64 `json:"card,omitempty"`
	APDU string `json:"apdu"`
}

type transmitResponse struct {
	Response string `json:"response"`
}

type returnCodeRequest struct {
	Module   string `json:"module"`
	Function string `json:"function"`
	Code     string `json:"code"`
}

type outParamRequest struct {
	Module   string `json:"module"`
	Function string `json:"function"`
	Param    string `json:"param"`
	Data     string `json:"data"`
}

func parseShareMode(s string) (scard.ShareMode, error) {
	switch strings.ToLower(s) {
	case "", "shared":
		return scard.ShareShared, nil
	case "exclusive":
		return scard.ShareExclusive, nil
	case "direct":
		return scard.ShareDirect, nil
	}
	return 0, badRequest("unknown share mode %q", s)
}

func parseProtocols(s string) (scard.Protocol, error) {
	switch strings.ToLower(s) {
	case "", "any":
		return scard.ProtocolAny, nil
	case "t0":
		return scard.ProtocolT0, nil
	case "t1":
		return scard.ProtocolT1, nil
	}
	return 0, badRequest("unknown protocol %q", s)
}

func protocolName(p scard.Protocol) string {
	switch p {
	case scard.ProtocolT0:
		return "T0"
	case scard.ProtocolT1:
		return "T1"
	}
	return "undefined"
}

func parseDisposition(s string) (scard.Disposition, error) {
	switch strings.ToLower(s) {
	case "", "leave":
		return scard.LeaveCard, nil
	case "reset":
		return scard.ResetCard, nil
	case "unpower":
		return scard.UnpowerCard, nil
	case "eject":
		return scard.EjectCard, nil
	}
	return 0, badRequest("unknown disposition %q", s)
}

func parseHandle(s string) (winscard.Handle, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, badRequest("invalid handle %q", s)
	}
	return winscard.Handle(v), nil
}

func parseCode(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, badRequest("invalid return code %q", s)
	}
	return uint32(v), nil
}

func decodeHex(field, s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return nil, badRequest("%s must be hex: %v", field, err)
	}
	return b, nil
}

func establishContext(req scopeRequest) (contextResponse, error) {
	h, err := winscard.EstablishContext(winscard.Scope(req.Scope))
	if err != nil {
		return contextResponse{}, err
	}
	notify("context_established", contextResponse{Context: uint64(h)})
	return contextResponse{Context: uint64(h)}, nil
}

func releaseContext(h winscard.Handle) error {
	if err := winscard.ReleaseContext(h); err != nil {
		return err
	}
	notify("context_released", contextResponse{Context: uint64(h)})
	return nil
}

func listReaders(h winscard.Handle) ([]string, error) {
	return winscard.WrapContext(h).ListReaders()
}

type readerInfo struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Pinpad bool   `json:"pinpad"`
	Suffix int    `json:"suffix"`
	Card   string `json:"card,omitempty"`
	Events uint32 `json:"events"`
	State  uint32 `json:"state"`
}

// describeReaders reports the readers of a context in attach order.
func describeReaders(h winscard.Handle) ([]readerInfo, error) {
	ctx, err := core.Handles.Context(h)
	if err != nil {
		return nil, err
	}
	readers := ctx.Readers()
	infos := make([]readerInfo, 0, len(readers))
	for _, r := range readers {
		infos = append(infos, readerInfo{
			ID:     r.ID(),
			Kind:   r.Kind().String(),
			Pinpad: r.Pinpad(),
			Suffix: r.Suffix(),
			Card:   r.CardName(),
			Events: r.EventCount(),
			State:  r.State(),
		})
	}
	return infos, nil
}

// readersBody is the reply to a list-readers request.
func readersBody(h winscard.Handle) (map[string]interface{}, error) {
	readers, err := listReaders(h)
	if err != nil {
		return nil, err
	}
	details, err := describeReaders(h)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"readers": readers, "details": details}, nil
}

func attachReader(h winscard.Handle, name string) (string, error) {
	id, err := winscard.AttachReader(h, name)
	if err != nil {
		return "", withSuggestion(err, core.SuggestReader(name))
	}
	notify("reader_attached", map[string]any{"context": uint64(h), "reader": id})
	return id, nil
}

func insertCard(h winscard.Handle, reader, card string) error {
	if err := winscard.InsertSmartCardInReader(h, reader, card); err != nil {
		return withSuggestion(err, core.SuggestCard(card))
	}
	notify("card_inserted", map[string]any{"context": uint64(h), "reader": reader, "card": card})
	return nil
}

func removeCard(h winscard.Handle, reader string) error {
	if err := winscard.RemoveSmartCardFromReader(h, reader); err != nil {
		return err
	}
	notify("card_removed", map[string]any{"context": uint64(h), "reader": reader})
	return nil
}

func connect(h winscard.Handle, req connectRequest) (connectResponse, error) {
	share, err := parseShareMode(req.ShareMode)
	if err != nil {
		return connectResponse{}, err
	}
	protocols, err := parseProtocols(req.Protocols)
	if err != nil {
		return connectResponse{}, err
	}
	hCard, proto, err := winscard.Connect(h, req.Reader, share, protocols)
	if err != nil {
		return connectResponse{}, err
	}
	return connectResponse{Card: uint64(hCard), Protocol: protocolName(proto)}, nil
}

func cardStatus(hCard winscard.Handle) (statusResponse, error) {
	st, err := winscard.WrapCard(hCard).Status()
	resp := statusResponse{
		Reader: st.Reader,
		State:  st.State,
		Atr:    strings.ToUpper(hex.EncodeToString(st.Atr)),
	}
	if st.ActiveProtocol != scard.ProtocolUndefined {
		resp.Protocol = protocolName(st.ActiveProtocol)
	}
	return resp, err
}

func transmit(hCard winscard.Handle, apdu string) (transmitResponse, error) {
	cmd, err := decodeHex("apdu", apdu)
	if err != nil {
		return transmitResponse{}, err
	}
	resp, err := winscard.Transmit(hCard, cmd)
	if err != nil {
		return transmitResponse{}, err
	}
	return transmitResponse{Response: strings.ToUpper(hex.EncodeToString(resp))}, nil
}

func toReaderStates(in []readerState) ([]core.ReaderState, error) {
	out := make([]core.ReaderState, len(in))
	for i, s := range in {
		out[i] = core.ReaderState{
			Reader:       s.Reader,
			CurrentState: scard.StateFlag(s.CurrentState),
		}
		if s.Atr != "" {
			atr, err := decodeHex("atr", s.Atr)
			if err != nil {
				return nil, err
			}
			out[i].Atr = atr
		}
	}
	return out, nil
}

func fromReaderStates(in []core.ReaderState) []readerState {
	out := make([]readerState, len(in))
	for i, s := range in {
		out[i] = readerState{
			Reader:       s.Reader,
			CurrentState: uint32(s.CurrentState),
			EventState:   uint32(s.EventState),
			Atr:          strings.ToUpper(hex.EncodeToString(s.Atr)),
		}
	}
	return out
}

// capTimeout bounds a millisecond timeout by maxWait. A nil timeout waits
// as long as allowed.
func capTimeout(timeout *uint32) uint32 {
	limit := winscard.Millis(maxWait)
	if timeout == nil || *timeout == winscard.Infinite || *timeout > limit {
		return limit
	}
	return *timeout
}

// statusChange runs one bounded wait and returns the updated states even
// when the wait failed.
func statusChange(ctx context.Context, h winscard.Handle, req statusChangeRequest) ([]readerState, error) {
	states, err := toReaderStates(req.States)
	if err != nil {
		return nil, err
	}
	err = winscard.GetStatusChange(ctx, h, capTimeout(req.Timeout), states)
	return fromReaderStates(states), err
}

func setReturnCode(req returnCodeRequest) error {
	if req.Function == "" {
		return badRequest("function is required")
	}
	code, err := parseCode(req.Code)
	if err != nil {
		return err
	}
	module := req.Module
	if module == "" {
		module = winscard.Module
	}
	stubbing.SetReturnCode(module, req.Function, code)
	return nil
}

func setOutParam(req outParamRequest) error {
	if req.Function == "" || req.Param == "" {
		return badRequest("function and param are required")
	}
	data, err := decodeHex("data", req.Data)
	if err != nil {
		return err
	}
	module := req.Module
	if module == "" {
		module = winscard.Module
	}
	stubbing.SetOutParam(module, req.Function, req.Param, data)
	return nil
}

func clearStubs(module string) {
	if module == "" {
		stubbing.ClearAll()
	} else {
		stubbing.ClearModule(module)
	}
	logging.Info(logging.CatStub, "Overrides cleared", map[string]any{"module": module})
}

// errorBody renders err as {"error", "code"} plus a suggestion if known.
func errorBody(err error) map[string]any {
	body := map[string]any{"error": err.Error()}
	var code scard.Error
	if errors.As(err, &code) {
		body["code"] = core.CodeString(code)
	}
	var s *suggestionError
	if errors.As(err, &s) {
		body["suggestion"] = s.suggestion
	}
	return body
}
