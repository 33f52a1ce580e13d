package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SimplyPrint/pcsc-sim/internal/core"
	"github.com/SimplyPrint/pcsc-sim/internal/logging"
	"github.com/SimplyPrint/pcsc-sim/internal/stubbing"
	"github.com/SimplyPrint/pcsc-sim/internal/winscard"
	"github.com/ebfe/scard"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local use
	},
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`              // Message type
	ID      string          `json:"id,omitempty"`      // Request ID for request/response matching
	Payload json.RawMessage `json:"payload,omitempty"` // Message payload
	Error   string          `json:"error,omitempty"`   // Error message if any
	Code    string          `json:"code,omitempty"`    // PC/SC return code of a failed request
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	hub     *WSHub
	mu      sync.Mutex
	closed  bool
	watches map[string]context.CancelFunc
}

// WSHub manages all WebSocket connections
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
}

// Run starts the hub's main loop
func (h *WSHub) Run() {
	defer logging.RecoverAndLog("WebSocket hub", true)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if !client.queue(message) {
					logging.Warn(logging.CatWebSocket, "Dropped event for slow client", map[string]any{
						"client": client.id,
					})
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ClientCount returns the number of registered clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues an event for every connected client.
func (h *WSHub) Publish(event string, payload interface{}) {
	payloadBytes, _ := json.Marshal(payload)
	msg, _ := json.Marshal(WSMessage{Type: event, Payload: payloadBytes})
	select {
	case h.broadcast <- msg:
	default:
		logging.Warn(logging.CatWebSocket, "Broadcast queue full, event dropped", map[string]any{
			"event": event,
		})
	}
}

// Global hub instance, replaced by each InitWebSocket
var wsHub atomic.Pointer[WSHub]

// notify publishes a simulator mutation to all WebSocket clients.
func notify(event string, payload interface{}) {
	if hub := wsHub.Load(); hub != nil {
		hub.Publish(event, payload)
	}
}

// InitWebSocket initializes the WebSocket hub and returns the handler
func InitWebSocket() http.HandlerFunc {
	hub := NewWSHub()
	wsHub.Store(hub)
	go hub.Run()

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
				"error":      err.Error(),
				"remoteAddr": r.RemoteAddr,
			})
			return
		}

		client := &WSClient{
			id:      xid.New().String(),
			conn:    conn,
			send:    make(chan []byte, 256),
			hub:     hub,
			watches: make(map[string]context.CancelFunc),
		}

		logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
			"client":     client.id,
			"remoteAddr": r.RemoteAddr,
		})

		hub.register <- client

		go client.writePump()
		go client.readPump()

		client.sendResponse("", "welcome", map[string]string{
			"client":  client.id,
			"version": Version,
		})
	}
}

// queue hands a message to the write pump without blocking. It reports
// false if the client is gone or its buffer is full.
func (c *WSClient) queue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *WSClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WSClient) stopWatches() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cancel := range c.watches {
		cancel()
		delete(c.watches, id)
	}
}

func (c *WSClient) readPump() {
	defer logging.RecoverAndLog("WebSocket readPump", false)
	defer func() {
		c.stopWatches()
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"client": c.id,
					"error":  err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", map[string]any{
					"client": c.id,
				})
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", badRequest("invalid message format"))
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				return
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsHandler runs one request type. The returned value is the response
// payload.
type wsHandler func(c *WSClient, payload json.RawMessage) (interface{}, error)

// wsHandlers maps request types to handlers and the response type they
// answer with.
var wsHandlers = map[string]struct {
	reply string
	run   wsHandler
}{
	"version":           {"version", wsVersion},
	"health":            {"health", wsHealth},
	"supported":         {"supported", wsSupported},
	"establish_context": {"context", wsEstablishContext},
	"release_context":   {"context_released", wsReleaseContext},
	"is_valid_context":  {"context_valid", wsIsValidContext},
	"cancel":            {"cancelled", wsCancel},
	"list_readers":      {"readers", wsListReaders},
	"attach_reader":     {"reader", wsAttachReader},
	"insert_card":       {"inserted", wsInsertCard},
	"remove_card":       {"removed", wsRemoveCard},
	"connect":           {"connected", wsConnect},
	"disconnect":        {"disconnected", wsDisconnect},
	"status":            {"status", wsStatus},
	"begin_transaction": {"transaction_started", wsBeginTransaction},
	"end_transaction":   {"transaction_ended", wsEndTransaction},
	"transmit":          {"response", wsTransmit},
	"watch":             {"watching", wsWatch},
	"unwatch":           {"unwatched", wsUnwatch},
	"list_stubs":        {"stubs", wsListStubs},
	"set_return_code":   {"stubbed", wsSetReturnCode},
	"set_out_param":     {"stubbed", wsSetOutParam},
	"clear_stubs":       {"stubs_cleared", wsClearStubs},
}

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"client": c.id,
		"type":   msg.Type,
		"id":     msg.ID,
	})

	// Blocking wait: answered from its own goroutine so the read pump keeps
	// serving cancel and other requests.
	if msg.Type == "get_status_change" {
		go c.handleStatusChange(msg.ID, msg.Payload)
		return
	}

	h, ok := wsHandlers[msg.Type]
	if !ok {
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(msg.ID, badRequest("unknown message type: %s", msg.Type))
		return
	}

	resp, err := h.run(c, msg.Payload)
	if err != nil {
		c.sendError(msg.ID, err)
		return
	}
	c.sendResponse(msg.ID, h.reply, resp)
}

func (c *WSClient) sendResponse(id string, msgType string, payload interface{}) {
	payloadBytes, _ := json.Marshal(payload)
	response := WSMessage{
		Type:    msgType,
		ID:      id,
		Payload: payloadBytes,
	}
	responseBytes, _ := json.Marshal(response)
	c.queue(responseBytes)
}

func (c *WSClient) sendError(id string, err error) {
	response := WSMessage{
		Type:  "error",
		ID:    id,
		Error: err.Error(),
	}
	var code scard.Error
	if errors.As(err, &code) {
		response.Code = core.CodeString(code)
	}
	responseBytes, _ := json.Marshal(response)
	c.queue(responseBytes)
}

func decodePayload(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return badRequest("invalid payload")
	}
	return nil
}

// handleRequest is the payload shape shared by requests that name a single
// context or card handle.
type handleRequest struct {
	Context     uint64 `json:"context"`
	Card        uint64 `json:"card"`
	Reader      string `json:"reader"`
	Disposition string `json:"disposition"`
}

func decodeHandles(payload json.RawMessage) (handleRequest, error) {
	var req handleRequest
	err := decodePayload(payload, &req)
	return req, err
}

func wsVersion(*WSClient, json.RawMessage) (interface{}, error) {
	return map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	}, nil
}

func wsHealth(c *WSClient, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"status":   "ok",
		"contexts": len(core.Handles.Contexts()),
		"clients":  c.hub.ClientCount(),
	}, nil
}

func wsSupported(*WSClient, json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"readers": core.SupportedReaders(),
		"cards":   core.SupportedCards(),
	}, nil
}

func wsEstablishContext(_ *WSClient, payload json.RawMessage) (interface{}, error) {
	var req scopeRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	return establishContext(req)
}

func wsReleaseContext(_ *WSClient, payload json.RawMessage) (interface{}, error) {
	req, err := decodeHandles(payload)
	if err != nil {
		return nil, err
	}
	return contextResponse{Context: req.Context}, releaseContext(winscard.Handle(req.Context))
}

func wsIsValidContext(_ *WSClient, payload json.RawMessage) (interface{}, error) {
	req, err := decodeHandles(payload)
	if err != nil {
		return nil, err
	}
	if err := winscard.IsValidContext(winscard.Handle(req.Context)); err != nil {
		return nil, err
	}
	return map[string]interface{}{"context": req.Context, "valid": true}, nil
}

func wsCancel(_ *WSClient, payload json.RawMessage) (interface{}, error) {
	req, err := decodeHandles(payload)
	if err != nil {
		return nil, err
	}
	return contextResponse{Context: req.Context}, winscard.Cancel(winscard.Handle(req.Context))
}

func wsListReaders(_ *WSClient, payload json.RawMessage) (interface{}, error) {
	req, err := decodeHandles(payload)
	if err != nil {
		return nil, err
	}
	return readersBody(winscard.Handle(req.Context))
}

func wsAttachReader(_ *WSClient, payload json.RawMessage) (interface{}, error) {
	var req attachRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	id, err := attachReader(winscard.Handle(req.Context), req.Name)
	if err != nil {
		return nil, err
	}
	return map[string]string{"reader": id}, nil
}

func wsInsertCard(_ *WSClient, payload json.RawMessage) (interface{}, error) {
	var req cardRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	if err := insertCard(winscard.Handle(req.Context), req.Reader, req.Card); err != nil {
		return nil, err
	}
	return map[string]string{"reader": req.Reader, "card": req.Card}, nil
}

func wsRemoveCard(_ *WSClient, payload json.RawMessage) (interface{}, error) {
	req, err := decodeHandles(payload)
	if err != nil {
		return nil, err
	}
	if err := removeCard(winscard.Handle(req.Context), req.Reader); err != nil {
		return nil, err
	}
	return map[string]string{"reader": req.Reader}, nil
}

func wsConnect(_ *WSClient, payload json.RawMessage) (interface{}, error) {
	var req connectRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	return connect(winscard.Handle(req.Context), req)
}

func wsDisconnect(_ *WSClient, payload json.RawMessage) (interface{}, error) {
	req, err := decodeHandles(payload)
	if err != nil {
		return nil, err
	}
	disp, err := parseDisposition(req.Disposition)
	if err != nil {
		return nil, err
	}
	return map[string]uint64{"card": req.Card}, winscard.Disconnect(winscard.Handle(req.Card), disp)
}

func wsStatus(_ *WSClient, payload json.RawMessage) (interface{}, error) {
	req, err := decodeHandles(payload)
	if err != nil {
		return nil, err
	}
	return cardStatus(winscard.Handle(req.Card))
}

func wsBeginTransaction(_ *WSClient, payload json.RawMessage) (interface{}, error) {
	req, err := decodeHandles(payload)
	if err != nil {
		return nil, err
	}
	return map[string]uint64{"card": req.Card}, winscard.BeginTransaction(winscard.Handle(req.Card))
}

func wsEndTransaction(_ *WSClient, payload json.RawMessage) (interface{}, error) {
	req, err := decodeHandles(payload)
	if err != nil {
		return nil, err
	}
	disp, err := parseDisposition(req.Disposition)
	if err != nil {
		return nil, err
	}
	return map[string]uint64{"card": req.Card}, winscard.EndTransaction(winscard.Handle(req.Card), disp)
}

func wsTransmit(_ *WSClient, payload json.RawMessage) (interface{}, error) {
	var req transmitRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	return transmit(winscard.Handle(req.Card), req.APDU)
}

func (c *WSClient) handleStatusChange(id string, payload json.RawMessage) {
	defer logging.RecoverAndLog("WebSocket status change", false)

	var req statusChangeRequest
	if err := decodePayload(payload, &req); err != nil {
		c.sendError(id, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	key := "request:" + id + ":" + xid.New().String()
	c.mu.Lock()
	c.watches[key] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.watches, key)
		c.mu.Unlock()
		cancel()
	}()

	states, err := statusChange(ctx, winscard.Handle(req.Context), req)
	if errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		c.sendError(id, err)
		return
	}
	c.sendResponse(id, "status_change", map[string]interface{}{"states": states})
}

type watchRequest struct {
	Context uint64   `json:"context"`
	Readers []string `json:"readers,omitempty"`
}

// wsWatch streams reader_event messages for the context until unwatch, the
// context is released or cancelled, or the client goes away. Without an
// explicit reader list it follows every reader, including ones attached
// later.
func wsWatch(c *WSClient, payload json.RawMessage) (interface{}, error) {
	var req watchRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	h := winscard.Handle(req.Context)
	if err := winscard.IsValidContext(h); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	watchID := xid.New().String()

	c.mu.Lock()
	c.watches[watchID] = cancel
	c.mu.Unlock()

	go c.watchLoop(ctx, watchID, h, req.Readers)

	logging.Info(logging.CatWebSocket, "Client watching context", map[string]any{
		"client":  c.id,
		"watch":   watchID,
		"context": req.Context,
	})
	return map[string]interface{}{"watch": watchID, "context": req.Context}, nil
}

// watchRound bounds each wait of a watch in milliseconds, so readers attached
// between two rounds are picked up by the next sync.
const watchRound = 1000

func (c *WSClient) watchLoop(ctx context.Context, watchID string, h winscard.Handle, fixed []string) {
	defer logging.RecoverAndLog("WebSocket watch", false)
	defer func() {
		c.mu.Lock()
		if cancel, ok := c.watches[watchID]; ok {
			cancel()
			delete(c.watches, watchID)
		}
		c.mu.Unlock()
	}()

	follow := len(fixed) == 0
	var states []core.ReaderState
	for _, name := range fixed {
		states = append(states, core.ReaderState{Reader: name})
	}

	for {
		if follow {
			states = syncReaders(h, states)
		}

		err := winscard.GetStatusChange(ctx, h, watchRound, states)
		if follow {
			states = states[:len(states)-1]
		}
		switch {
		case err == nil:
		case errors.Is(err, scard.ErrTimeout):
			continue
		case errors.Is(err, context.Canceled):
			return
		default:
			c.sendResponse("", "watch_ended", map[string]interface{}{
				"watch": watchID,
				"error": err.Error(),
				"code":  core.CodeString(core.Code(err)),
			})
			return
		}

		var changed []core.ReaderState
		for i := range states {
			if states[i].EventState&scard.StateChanged != 0 {
				changed = append(changed, states[i])
			}
			states[i].CurrentState = states[i].EventState &^ scard.StateChanged
		}
		if len(changed) > 0 {
			c.sendResponse("", "reader_event", map[string]interface{}{
				"watch":  watchID,
				"states": fromReaderStates(changed),
			})
		}
	}
}

// syncReaders adds an unaware entry for every reader attached since the last
// round and appends the notification entry, which the caller drops again
// after the wait.
func syncReaders(h winscard.Handle, states []core.ReaderState) []core.ReaderState {
	seen := make(map[string]bool, len(states))
	for _, st := range states {
		seen[st.Reader] = true
	}
	if ctx, err := core.Handles.Context(h); err == nil {
		for _, id := range ctx.ReaderIDs() {
			if !seen[id] {
				states = append(states, core.ReaderState{Reader: id, CurrentState: scard.StateUnaware})
			}
		}
	}
	return append(states, core.ReaderState{Reader: core.Notification})
}

func wsUnwatch(c *WSClient, payload json.RawMessage) (interface{}, error) {
	var req struct {
		Watch string `json:"watch"`
	}
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}

	c.mu.Lock()
	cancel, ok := c.watches[req.Watch]
	if ok {
		delete(c.watches, req.Watch)
	}
	c.mu.Unlock()

	if !ok {
		return nil, badRequest("unknown watch %q", req.Watch)
	}
	cancel()
	return map[string]string{"watch": req.Watch}, nil
}

func wsListStubs(*WSClient, json.RawMessage) (interface{}, error) {
	overrides := stubbing.Default.List()
	slices.SortFunc(overrides, func(a, b stubbing.Override) int {
		if a.Function != b.Function {
			if a.Function < b.Function {
				return -1
			}
			return 1
		}
		if a.Param < b.Param {
			return -1
		}
		if a.Param > b.Param {
			return 1
		}
		return 0
	})
	return map[string]interface{}{"overrides": overrides}, nil
}

func wsSetReturnCode(_ *WSClient, payload json.RawMessage) (interface{}, error) {
	var req returnCodeRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	return map[string]string{"function": req.Function}, setReturnCode(req)
}

func wsSetOutParam(_ *WSClient, payload json.RawMessage) (interface{}, error) {
	var req outParamRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	return map[string]string{"function": req.Function, "param": req.Param}, setOutParam(req)
}

func wsClearStubs(_ *WSClient, payload json.RawMessage) (interface{}, error) {
	var req struct {
		Module string `json:"module"`
	}
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	clearStubs(req.Module)
	return map[string]string{"module": req.Module}, nil
}
