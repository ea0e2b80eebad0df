package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/haasonsaas/campusgate/internal/auth"
	"github.com/haasonsaas/campusgate/internal/proxy"
)

const contentTypeNDJSON = "application/x-ndjson"

// handleChatStream runs one turn and writes its events as newline-delimited
// JSON, flushing after every line.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req proxy.ChatRequest
	if err := readJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	caller := auth.CallerFromContext(r.Context())

	h := w.Header()
	h.Set("Content-Type", contentTypeNDJSON)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	enc := json.NewEncoder(w)
	broken := false
	// The channel is always drained so the turn can finish its bookkeeping.
	for ev := range s.chat.Turn(ctx, caller, req) {
		if broken {
			continue
		}
		if err := enc.Encode(ev); err != nil {
			s.logger.DebugContext(ctx, "chat stream write failed", "error", err)
			broken = true
			cancel()
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
