package proxy

import "github.com/haasonsaas/campusgate/internal/backend"

type toolState struct {
	status string
	title  string
}

// toolTracker de-duplicates tool parts by call id.
type toolTracker struct {
	seen map[string]toolState
}

func newToolTracker() *toolTracker {
	return &toolTracker{seen: map[string]toolState{}}
}

// callID prefers the runtime's call id and otherwise composes one from the
// tool name and message id.
func callID(part backend.Part) string {
	if part.CallID != "" {
		return part.CallID
	}
	return part.Tool + ":" + part.MessageID
}

func partState(part backend.Part) toolState {
	if part.State == nil {
		return toolState{}
	}
	return toolState{status: part.State.Status, title: part.State.Title}
}

func toolEvent(id string, part backend.Part, st toolState) StreamEvent {
	return StreamEvent{Type: EventTool, CallID: id, Name: part.Tool, Status: st.status, Title: st.title}
}

// observe returns an event when the call is new or its status or title
// changed since it was last seen.
func (t *toolTracker) observe(part backend.Part) (StreamEvent, bool) {
	id := callID(part)
	st := partState(part)
	if prev, ok := t.seen[id]; ok && prev == st {
		return StreamEvent{}, false
	}
	t.seen[id] = st
	return toolEvent(id, part, st), true
}

// observeNew returns an event only for calls never seen before.
func (t *toolTracker) observeNew(part backend.Part) (StreamEvent, bool) {
	id := callID(part)
	if _, ok := t.seen[id]; ok {
		return StreamEvent{}, false
	}
	st := partState(part)
	t.seen[id] = st
	return toolEvent(id, part, st), true
}
