// Package backend is an HTTP client for the supervised agent runtime.
//
// The runtime exposes a small REST surface (sessions, prompts, messages,
// provider catalog, MCP administration, tool listing) plus a global
// server-sent event stream at /event. The gateway never interprets the
// agent's reasoning; it only moves these payloads around.
package backend

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when the runtime answers 404.
var ErrNotFound = errors.New("not found")

// APIError is returned for any non-2xx runtime response.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("runtime %s %s: HTTP %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("runtime %s %s: HTTP %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == 404
}

// Session is a runtime conversation.
type Session struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// ModelRef selects a model for a prompt.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// Valid reports whether both ids are set.
func (m *ModelRef) Valid() bool {
	return m != nil && m.ProviderID != "" && m.ModelID != ""
}

// TextPartInput is a text part submitted with a prompt.
type TextPartInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PromptRequest is the body of an asynchronous prompt submission.
type PromptRequest struct {
	Parts  []TextPartInput `json:"parts"`
	System string          `json:"system,omitempty"`
	Agent  string          `json:"agent,omitempty"`
	Model  *ModelRef       `json:"model,omitempty"`
	// Tools is the per-turn tool exposure policy, forwarded verbatim.
	Tools json.RawMessage `json:"tools,omitempty"`
}

// NewTextPrompt builds a prompt with a single text part.
func NewTextPrompt(text string) PromptRequest {
	return PromptRequest{Parts: []TextPartInput{{Type: "text", Text: text}}}
}

// MessageInfo is the header of a stored message.
type MessageInfo struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionID"`
	Role      string          `json:"role"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// ToolState is the execution state of a tool part.
type ToolState struct {
	Status string `json:"status"`
	Title  string `json:"title,omitempty"`
}

// Part is one piece of a message: text, tool call, reasoning, and so on.
type Part struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionID"`
	MessageID string     `json:"messageID"`
	Type      string     `json:"type"`
	Text      string     `json:"text,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	CallID    string     `json:"callID,omitempty"`
	State     *ToolState `json:"state,omitempty"`
}

// Message pairs a message header with its parts.
type Message struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// Text concatenates the text parts of the message.
func (m *Message) Text() string {
	var out string
	for _, part := range m.Parts {
		if part.Type == "text" {
			out += part.Text
		}
	}
	return out
}

// Model is one entry in a provider's model table.
type Model struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Provider is one entry in the runtime's provider catalog.
type Provider struct {
	ID     string           `json:"id"`
	Name   string           `json:"name,omitempty"`
	Models map[string]Model `json:"models"`
}

// ProviderCatalog is the response of GET /config/providers.
type ProviderCatalog struct {
	Providers []Provider `json:"providers"`
	// Default maps provider id to that provider's declared default model id.
	Default map[string]string `json:"default,omitempty"`
}

// MCPStatus is the live connection state of one MCP server.
type MCPStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Tool describes a tool the runtime would expose for a provider/model.
type Tool struct {
	ID          string          `json:"id"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	// Provider is the owning MCP server when the runtime declares it.
	Provider string `json:"provider,omitempty"`
}

// Event is one envelope from the /event stream.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// Event types the gateway reacts to.
const (
	EventMessageUpdated = "message.updated"
	EventPartUpdated    = "message.part.updated"
	EventPartDelta      = "message.part.delta"
	EventSessionIdle    = "session.idle"
	EventSessionError   = "session.error"
	EventSessionState   = "session.status"
)

// PartUpdated is the payload of message.part.updated.
type PartUpdated struct {
	Part  Part   `json:"part"`
	Delta string `json:"delta,omitempty"`
}

// PartDelta is the payload of message.part.delta.
type PartDelta struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	PartID    string `json:"partID"`
	Field     string `json:"field"`
	Delta     string `json:"delta"`
}

// SessionSignal is the payload of session.idle and session.error.
type SessionSignal struct {
	SessionID string          `json:"sessionID"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// MessageUpdated is the payload of message.updated.
type MessageUpdated struct {
	Info MessageInfo `json:"info"`
}

// SessionStatus is the payload of session.status.
type SessionStatus struct {
	SessionID string `json:"sessionID"`
	Status    struct {
		Type string `json:"type"`
	} `json:"status"`
}
