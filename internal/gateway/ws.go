package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/campusgate/internal/access"
	"github.com/haasonsaas/campusgate/internal/auth"
	"github.com/haasonsaas/campusgate/internal/proxy"
)

const (
	wsProtocolVersion = 1
	wsMaxPayloadBytes = 1 << 20
	wsSendBuffer      = 64
	wsPingInterval    = 30 * time.Second
	wsPongWait        = 75 * time.Second
	wsWriteWait       = 10 * time.Second
	wsSessionsLimit   = 50
)

var (
	errWSClosed  = errors.New("connection closed")
	errTurnBusy  = errors.New("a turn is already running on this connection")
	errNoTurn    = errors.New("no turn is running")
	errTooLarge  = errors.New("payload too large")
	errBadMethod = errors.New("unknown method")
)

type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsChatSendParams struct {
	proxy.ChatRequest
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type wsSessionsListParams struct {
	Limit int `json:"limit,omitempty"`
}

// wsChatEvent is a proxy.StreamEvent tagged with the chat.send request id.
type wsChatEvent struct {
	RequestID string `json:"requestId"`
	proxy.StreamEvent
}

// wsConn is one upgraded chat connection. Frames are written by a single
// writer goroutine; at most one turn runs at a time.
type wsConn struct {
	server *Server
	req    *http.Request
	conn   *websocket.Conn
	caller access.Caller
	logger *slog.Logger

	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	turns  sync.WaitGroup

	id  string
	seq int64

	turnMu     sync.Mutex
	turnID     string
	turnCancel context.CancelFunc

	idemMu      sync.Mutex
	idempotency map[string]struct{}
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.DebugContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConn{
		server:      s,
		req:         r,
		conn:        conn,
		caller:      auth.CallerFromContext(r.Context()),
		send:        make(chan []byte, wsSendBuffer),
		ctx:         ctx,
		cancel:      cancel,
		id:          uuid.NewString(),
		idempotency: make(map[string]struct{}),
	}
	c.logger = s.logger.With("conn_id", c.id, "user_id", c.caller.ID)
	c.run()
}

func (c *wsConn) run() {
	defer c.close()
	go c.writeLoop()
	_ = c.sendEvent("hello", c.helloPayload()) //nolint:errcheck
	c.readLoop()
}

func (c *wsConn) close() {
	c.cancel()
	c.turns.Wait()
	_ = c.conn.Close()
	c.logger.Debug("websocket closed")
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := decodeWSFrame(data)
		if err != nil {
			c.sendError("", "invalid_frame", err.Error())
			continue
		}
		if err := c.handleRequest(frame); err != nil {
			c.sendError(frame.ID, errorCode(err), err.Error())
		}
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.cancel()
				return
			}
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func decodeWSFrame(raw []byte) (*wsFrame, error) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		frame.Type = "req"
	}
	if frame.Type != "req" {
		return nil, fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	if err := validateWSRequestFrame(raw, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

func (c *wsConn) handleRequest(frame *wsFrame) error {
	switch frame.Method {
	case "health":
		return c.sendResponse(frame.ID, c.server.healthSnapshot())
	case "ping":
		return c.sendResponse(frame.ID, map[string]any{"timestamp": time.Now().UnixMilli()})
	case "chat.send":
		return c.handleChatSend(frame)
	case "chat.abort":
		return c.handleChatAbort(frame)
	case "sessions.list":
		return c.handleSessionsList(frame)
	default:
		return fmt.Errorf("%w %q", errBadMethod, frame.Method)
	}
}

func (c *wsConn) handleChatSend(frame *wsFrame) error {
	var params wsChatSendParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return badRequest("invalid params: %v", err)
	}
	// The key is held while the send is checked and released again if the
	// turn never starts, so a rejected send can be retried with it.
	key := params.IdempotencyKey
	if c.isIdempotencyDuplicate(key) {
		return c.sendResponse(frame.ID, map[string]any{"status": "duplicate"})
	}
	if !c.server.allowTurn(c.req) {
		c.releaseIdempotencyKey(key)
		return &wsCodeError{code: "rate_limited", err: errors.New("rate limited")}
	}

	turnCtx, err := c.beginTurn(frame.ID)
	if err != nil {
		c.releaseIdempotencyKey(key)
		return err
	}
	if err := c.sendResponse(frame.ID, map[string]any{"status": "accepted"}); err != nil {
		c.endTurn(frame.ID)
		c.releaseIdempotencyKey(key)
		return err
	}

	c.turns.Add(1)
	go func() {
		defer c.turns.Done()
		defer c.endTurn(frame.ID)
		failed := false
		for ev := range c.server.chat.Turn(turnCtx, c.caller, params.ChatRequest) {
			if failed {
				continue
			}
			if err := c.sendEvent("chat", wsChatEvent{RequestID: frame.ID, StreamEvent: ev}); err != nil {
				c.logger.Debug("chat event dropped", "request_id", frame.ID, "error", err)
				failed = true
			}
		}
	}()
	return nil
}

// beginTurn claims the connection's single turn slot.
func (c *wsConn) beginTurn(requestID string) (context.Context, error) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	if c.turnCancel != nil {
		return nil, errTurnBusy
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.turnID = requestID
	c.turnCancel = cancel
	return ctx, nil
}

func (c *wsConn) endTurn(requestID string) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	if c.turnID != requestID || c.turnCancel == nil {
		return
	}
	c.turnCancel()
	c.turnCancel = nil
	c.turnID = ""
}

func (c *wsConn) handleChatAbort(frame *wsFrame) error {
	c.turnMu.Lock()
	cancel := c.turnCancel
	requestID := c.turnID
	c.turnMu.Unlock()
	if cancel == nil {
		return errNoTurn
	}
	cancel()
	return c.sendResponse(frame.ID, map[string]any{"aborted": true, "requestId": requestID})
}

func (c *wsConn) handleSessionsList(frame *wsFrame) error {
	var params wsSessionsListParams
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return badRequest("invalid params: %v", err)
		}
	}
	limit := params.Limit
	if limit <= 0 {
		limit = wsSessionsLimit
	}
	records, err := c.server.sessions.ListByUser(c.ctx, c.caller.ID, limit)
	if err != nil {
		return err
	}
	return c.sendResponse(frame.ID, map[string]any{"sessions": records})
}

func (c *wsConn) sendResponse(id string, payload any) error {
	ok := true
	return c.enqueue(wsFrame{Type: "res", ID: id, OK: &ok, Payload: payload})
}

func (c *wsConn) sendEvent(event string, payload any) error {
	seq := atomic.AddInt64(&c.seq, 1)
	return c.enqueue(wsFrame{Type: "event", Event: event, Payload: payload, Seq: &seq})
}

func (c *wsConn) sendError(id string, code string, message string) {
	ok := false
	_ = c.enqueue(wsFrame{Type: "res", ID: id, OK: &ok, Error: &wsError{Code: code, Message: message}}) //nolint:errcheck
}

// enqueue hands a frame to the writer, waiting while the buffer is full.
func (c *wsConn) enqueue(frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if len(data) > wsMaxPayloadBytes {
		return errTooLarge
	}
	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return errWSClosed
	}
}

func (c *wsConn) helloPayload() map[string]any {
	return map[string]any{
		"protocol":     wsProtocolVersion,
		"connectionId": c.id,
		"role":         c.caller.Role.String(),
		"methods":      supportedWSMethods(),
		"policy": map[string]any{
			"maxPayloadBytes": wsMaxPayloadBytes,
			"pingIntervalMs":  wsPingInterval.Milliseconds(),
		},
	}
}

func supportedWSMethods() []string {
	names := make([]string, 0, len(wsMethods))
	for _, m := range wsMethods {
		names = append(names, m.name)
	}
	return names
}

func (c *wsConn) isIdempotencyDuplicate(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	c.idemMu.Lock()
	defer c.idemMu.Unlock()
	if _, ok := c.idempotency[key]; ok {
		return true
	}
	c.idempotency[key] = struct{}{}
	return false
}

func (c *wsConn) releaseIdempotencyKey(key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	c.idemMu.Lock()
	delete(c.idempotency, key)
	c.idemMu.Unlock()
}

type wsCodeError struct {
	code string
	err  error
}

func (e *wsCodeError) Error() string { return e.err.Error() }
func (e *wsCodeError) Unwrap() error { return e.err }

// errorCode names err for the client.
func errorCode(err error) string {
	var coded *wsCodeError
	switch {
	case errors.As(err, &coded):
		return coded.code
	case errors.Is(err, errTurnBusy):
		return "busy"
	case errors.Is(err, errNoTurn):
		return "no_turn"
	case errors.Is(err, errBadMethod):
		return "unknown_method"
	case errors.Is(err, errBadRequest):
		return "invalid_params"
	default:
		return "request_failed"
	}
}
