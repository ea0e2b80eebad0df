package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/campusgate/internal/backend"
)

// EventType discriminates StreamEvent.
type EventType string

const (
	EventMeta           EventType = "meta"
	EventDelta          EventType = "delta"
	EventTool           EventType = "tool"
	EventAssistantError EventType = "assistant_error"
	EventError          EventType = "error"
	EventDone           EventType = "done"
)

// StreamEvent is one line of the outward chat stream.
type StreamEvent struct {
	Type EventType `json:"type"`

	// meta
	SessionID string `json:"sessionId,omitempty"`

	// delta
	Text string `json:"text,omitempty"`

	// tool
	CallID string `json:"callId,omitempty"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`
	Title  string `json:"title,omitempty"`

	// assistant_error carries the runtime's own payload; error a message.
	Error   json.RawMessage `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

var (
	ErrEmptyMessage   = errors.New("message is required")
	ErrTurnTimeout    = errors.New("turn timed out")
	ErrSessionForeign = errors.New("session belongs to another user")
)

// ModelSelection is a caller-chosen model.
type ModelSelection struct {
	ProviderID string `json:"providerId"`
	ModelID    string `json:"modelId"`
}

// ChatRequest starts or continues a turn.
type ChatRequest struct {
	SessionID     string          `json:"sessionId,omitempty"`
	Message       string          `json:"message"`
	Model         *ModelSelection `json:"model,omitempty"`
	Title         string          `json:"title,omitempty"`
	AgentOverride string          `json:"agentOverride,omitempty"`
	Mode          string          `json:"mode,omitempty"`
}

// Validate rejects requests that cannot start a turn.
func (r ChatRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	return nil
}

func (r ChatRequest) modelRef() *backend.ModelRef {
	if r.Model == nil {
		return nil
	}
	ref := &backend.ModelRef{ProviderID: r.Model.ProviderID, ModelID: r.Model.ModelID}
	if !ref.Valid() {
		return nil
	}
	return ref
}

func metaEvent(sessionID string) StreamEvent {
	return StreamEvent{Type: EventMeta, SessionID: sessionID}
}

func deltaEvent(text string) StreamEvent {
	return StreamEvent{Type: EventDelta, Text: text}
}

func errorEvent(format string, args ...any) StreamEvent {
	return StreamEvent{Type: EventError, Message: fmt.Sprintf(format, args...)}
}

func doneEvent() StreamEvent {
	return StreamEvent{Type: EventDone}
}
