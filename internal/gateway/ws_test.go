package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/campusgate/internal/proxy"
	"github.com/haasonsaas/campusgate/internal/ratelimit"
)

type wsTestFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Event   string          `json:"event"`
	OK      *bool           `json:"ok"`
	Payload json.RawMessage `json:"payload"`
	Error   *wsError        `json:"error"`
	Seq     *int64          `json:"seq"`
}

func dialWS(t *testing.T, env *testEnv, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/chat/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("Dial() error = %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })

	hello := readFrame(t, conn)
	if hello.Type != "event" || hello.Event != "hello" {
		t.Fatalf("first frame = %+v, want hello event", hello)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame wsTestFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return frame
}

func sendFrame(t *testing.T, conn *websocket.Conn, id, method string, params any) {
	t.Helper()
	frame := map[string]any{"type": "req", "id": id, "method": method}
	if params != nil {
		frame["params"] = params
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

// readTurn reads the chat events of one request until done.
func readTurn(t *testing.T, conn *websocket.Conn, requestID string) []string {
	t.Helper()
	var types []string
	for {
		frame := readFrame(t, conn)
		if frame.Type != "event" || frame.Event != "chat" {
			continue
		}
		var ev struct {
			RequestID string `json:"requestId"`
			Type      string `json:"type"`
		}
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			t.Fatalf("decode chat event: %v", err)
		}
		if ev.RequestID != requestID {
			t.Fatalf("event for request %q, want %q", ev.RequestID, requestID)
		}
		types = append(types, ev.Type)
		if ev.Type == string(proxy.EventDone) {
			return types
		}
	}
}

func TestWSChatTurnsOnOneConnection(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, student("u1"))

	for _, id := range []string{"r1", "r2"} {
		sendFrame(t, conn, id, "chat.send", map[string]any{"message": "hi " + id})
		res := readFrame(t, conn)
		if res.Type != "res" || res.ID != id || res.OK == nil || !*res.OK {
			t.Fatalf("response = %+v", res)
		}
		types := readTurn(t, conn, id)
		if strings.Join(types, ",") != "meta,delta,done" {
			t.Fatalf("turn %s events = %v", id, types)
		}
	}

	reqs := env.chat.Requests()
	if len(reqs) != 2 || reqs[1].Message != "hi r2" {
		t.Fatalf("chat requests = %+v", reqs)
	}
	if env.chat.Callers()[0].ID != "u1" {
		t.Fatalf("caller = %+v", env.chat.Callers()[0])
	}
}

func TestWSRejectsInvalidFrames(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, student("u1"))

	tests := []struct {
		name     string
		raw      string
		wantCode string
	}{
		{"not json", `{`, "invalid_frame"},
		{"missing id", `{"type":"req","method":"ping"}`, "invalid_frame"},
		{"unknown field", `{"type":"req","id":"a","method":"chat.send","params":{"message":"x","bogus":1}}`, "invalid_frame"},
		{"missing message", `{"type":"req","id":"b","method":"chat.send","params":{}}`, "invalid_frame"},
		{"unknown method", `{"type":"req","id":"c","method":"files.delete"}`, "unknown_method"},
		{"abort idle", `{"type":"req","id":"d","method":"chat.abort"}`, "no_turn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.raw)); err != nil {
				t.Fatalf("WriteMessage() error = %v", err)
			}
			res := readFrame(t, conn)
			if res.OK == nil || *res.OK || res.Error == nil || res.Error.Code != tt.wantCode {
				t.Fatalf("response = %+v, want error %s", res, tt.wantCode)
			}
		})
	}
	if len(env.chat.Requests()) != 0 {
		t.Fatal("no turn should have started")
	}
}

func TestWSAbortAndBusy(t *testing.T) {
	chat := newFakeChat(proxy.StreamEvent{Type: proxy.EventMeta, SessionID: "ses_1"})
	chat.block = true
	env := newTestEnv(t, withChat(chat))
	conn := dialWS(t, env, student("u1"))

	sendFrame(t, conn, "r1", "chat.send", map[string]any{"message": "long"})
	if res := readFrame(t, conn); res.ID != "r1" || !*res.OK {
		t.Fatalf("response = %+v", res)
	}
	select {
	case <-chat.started:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not start")
	}

	sendFrame(t, conn, "r2", "chat.send", map[string]any{"message": "again"})
	sendFrame(t, conn, "r3", "chat.abort", nil)

	var busy, aborted bool
	var types []string
	seen := 0
	for seen < 3 {
		frame := readFrame(t, conn)
		switch {
		case frame.Type == "res" && frame.ID == "r2":
			seen++
			busy = frame.Error != nil && frame.Error.Code == "busy"
		case frame.Type == "res" && frame.ID == "r3":
			seen++
			aborted = frame.OK != nil && *frame.OK
		case frame.Type == "event" && frame.Event == "chat":
			if strings.Contains(string(frame.Payload), `"type":"done"`) {
				seen++
			}
			var ev proxy.StreamEvent
			_ = json.Unmarshal(frame.Payload, &ev)
			types = append(types, string(ev.Type))
		}
	}
	if !busy || !aborted {
		t.Fatalf("busy=%v aborted=%v", busy, aborted)
	}
	if strings.Join(types, ",") != "meta,done" {
		t.Fatalf("events = %v", types)
	}
}

func TestWSIdempotencyAndRateLimit(t *testing.T) {
	env := newTestEnv(t, withLimiter(ratelimit.Config{PerMinute: 1, Burst: 1}))
	conn := dialWS(t, env, student("u1"))

	sendFrame(t, conn, "r1", "chat.send", map[string]any{"message": "hi", "idempotencyKey": "k1"})
	readFrame(t, conn)
	readTurn(t, conn, "r1")

	sendFrame(t, conn, "r2", "chat.send", map[string]any{"message": "hi", "idempotencyKey": "k1"})
	res := readFrame(t, conn)
	var payload map[string]string
	_ = json.Unmarshal(res.Payload, &payload)
	if payload["status"] != "duplicate" {
		t.Fatalf("duplicate response = %+v", res)
	}

	sendFrame(t, conn, "r3", "chat.send", map[string]any{"message": "hi"})
	res = readFrame(t, conn)
	if res.Error == nil || res.Error.Code != "rate_limited" {
		t.Fatalf("rate limit response = %+v", res)
	}
	if n := len(env.chat.Requests()); n != 1 {
		t.Fatalf("turns = %d, want 1", n)
	}
}

func TestWSRejectedSendKeepsIdempotencyKey(t *testing.T) {
	env := newTestEnv(t, withLimiter(ratelimit.Config{PerMinute: 1, Burst: 1}))
	conn := dialWS(t, env, student("u1"))

	sendFrame(t, conn, "r1", "chat.send", map[string]any{"message": "hi"})
	readFrame(t, conn)
	readTurn(t, conn, "r1")

	for _, id := range []string{"r2", "r3"} {
		sendFrame(t, conn, id, "chat.send", map[string]any{"message": "again", "idempotencyKey": "k2"})
		res := readFrame(t, conn)
		if res.Error == nil || res.Error.Code != "rate_limited" {
			t.Fatalf("%s response = %+v, want rate_limited", id, res)
		}
	}
	if n := len(env.chat.Requests()); n != 1 {
		t.Fatalf("turns = %d, want 1", n)
	}
}

func TestReleaseIdempotencyKey(t *testing.T) {
	c := &wsConn{idempotency: make(map[string]struct{})}
	if c.isIdempotencyDuplicate("k1") {
		t.Fatal("first use of k1 reported as duplicate")
	}
	c.releaseIdempotencyKey(" k1 ")
	if c.isIdempotencyDuplicate("k1") {
		t.Fatal("released key reported as duplicate")
	}
	if !c.isIdempotencyDuplicate("k1") {
		t.Fatal("claimed key not reported as duplicate")
	}
}

func TestWSPingHealthAndSessions(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, student("u1"))

	for _, method := range []string{"ping", "health", "sessions.list"} {
		sendFrame(t, conn, method, method, nil)
		res := readFrame(t, conn)
		if res.ID != method || res.OK == nil || !*res.OK {
			t.Fatalf("%s response = %+v", method, res)
		}
	}
}

func TestWSEventSequenceIncreases(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, student("u1"))
	sendFrame(t, conn, "r1", "chat.send", map[string]any{"message": "hi"})

	var last int64 = 1 // hello
	for {
		frame := readFrame(t, conn)
		if frame.Type != "event" {
			continue
		}
		if frame.Seq == nil || *frame.Seq <= last {
			t.Fatalf("seq %v not after %d", frame.Seq, last)
		}
		last = *frame.Seq
		var ev proxy.StreamEvent
		_ = json.Unmarshal(frame.Payload, &ev)
		if ev.Type == proxy.EventDone {
			return
		}
	}
}

func TestIsIdempotencyDuplicateConcurrent(t *testing.T) {
	c := &wsConn{idempotency: make(map[string]struct{})}
	if c.isIdempotencyDuplicate("") || c.isIdempotencyDuplicate("  ") {
		t.Fatal("blank keys are never duplicates")
	}

	const goroutines = 50
	var wg sync.WaitGroup
	dups := make([]bool, goroutines)
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(idx int) {
			defer wg.Done()
			dups[idx] = c.isIdempotencyDuplicate("shared")
		}(i)
	}
	wg.Wait()

	first := 0
	for _, dup := range dups {
		if !dup {
			first++
		}
	}
	if first != 1 {
		t.Fatalf("%d callers saw the key first, want 1", first)
	}
}
