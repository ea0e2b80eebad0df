package observability

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes journal events for filtering and display.
type EventType string

const (
	EventTypeTurnStart      EventType = "turn.start"
	EventTypeTurnEnd        EventType = "turn.end"
	EventTypeTurnError      EventType = "turn.error"
	EventTypeToolUpdate     EventType = "tool.update"
	EventTypeRuntimeSpawn   EventType = "runtime.spawn"
	EventTypeProviderSync   EventType = "provider.sync"
	EventTypeProviderReload EventType = "provider.reload"
)

// Event is a single journal entry.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Duration  time.Duration  `json:"duration_ns,omitempty"`
	Error     string         `json:"error,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
}

// EventStore stores and retrieves journal events.
type EventStore interface {
	Record(event *Event) error
	GetBySessionID(sessionID string) ([]*Event, error)
	// GetByType returns up to limit events of one type, newest first. A
	// limit of zero or less returns all of them.
	GetByType(eventType EventType, limit int) ([]*Event, error)
}

// DefaultJournalSize bounds the in-memory journal.
const DefaultJournalSize = 10000

// MemoryEventStore keeps the most recent events in insertion order. Once
// full, the oldest tenth is dropped to make room.
type MemoryEventStore struct {
	mu      sync.RWMutex
	events  []*Event
	maxSize int
}

// NewMemoryEventStore creates a store holding at most maxSize events.
func NewMemoryEventStore(maxSize int) *MemoryEventStore {
	if maxSize <= 0 {
		maxSize = DefaultJournalSize
	}
	return &MemoryEventStore{maxSize: maxSize}
}

// Record assigns an id and timestamp when missing and stores event.
func (s *MemoryEventStore) Record(event *Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}
	if event.ID == "" {
		event.ID = "evt_" + uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) >= s.maxSize {
		drop := max(s.maxSize/10, 1)
		s.events = slices.Clone(s.events[drop:])
	}
	s.events = append(s.events, event)
	return nil
}

// GetBySessionID returns one session's events, oldest first.
func (s *MemoryEventStore) GetBySessionID(sessionID string) ([]*Event, error) {
	return s.filter(func(e *Event) bool { return e.SessionID == sessionID }, 0, false), nil
}

func (s *MemoryEventStore) GetByType(eventType EventType, limit int) ([]*Event, error) {
	return s.filter(func(e *Event) bool { return e.Type == eventType }, limit, true), nil
}

func (s *MemoryEventStore) filter(keep func(*Event) bool, limit int, newestFirst bool) []*Event {
	s.mu.RLock()
	out := make([]*Event, 0)
	for _, e := range s.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sortByTime(out)
	if newestFirst {
		slices.Reverse(out)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortByTime(events []*Event) {
	slices.SortStableFunc(events, func(a, b *Event) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}

// EventRecorder fills in correlation fields from the context before storing.
// A nil *EventRecorder discards everything.
type EventRecorder struct {
	store EventStore
}

// NewEventRecorder creates a recorder backed by store.
func NewEventRecorder(store EventStore) *EventRecorder {
	return &EventRecorder{store: store}
}

// Record stores an event, taking session, user and trace ids from ctx when
// the event does not set them.
func (r *EventRecorder) Record(ctx context.Context, event *Event) {
	if r == nil || r.store == nil || event == nil {
		return
	}
	if event.SessionID == "" {
		event.SessionID = GetSessionID(ctx)
	}
	if event.UserID == "" {
		event.UserID = correlation(ctx, UserIDKey)
	}
	if event.TraceID == "" {
		event.TraceID = GetTraceID(ctx)
	}
	_ = r.store.Record(event)
}

// Session returns the timeline of one chat session.
func (r *EventRecorder) Session(sessionID string) *Timeline {
	if r == nil || r.store == nil {
		return BuildTimeline(nil)
	}
	events, err := r.store.GetBySessionID(sessionID)
	if err != nil {
		return BuildTimeline(nil)
	}
	return BuildTimeline(events)
}

// Recent returns up to limit events of one type, most recent first.
func (r *EventRecorder) Recent(eventType EventType, limit int) []*Event {
	if r == nil || r.store == nil {
		return nil
	}
	events, _ := r.store.GetByType(eventType, limit)
	return events
}

// Timeline is a session's events in order with aggregate counts.
type Timeline struct {
	SessionID string           `json:"session_id"`
	StartTime time.Time        `json:"start_time"`
	EndTime   time.Time        `json:"end_time"`
	Events    []*Event         `json:"events"`
	Summary   *TimelineSummary `json:"summary"`
}

// TimelineSummary provides aggregate statistics for a timeline.
type TimelineSummary struct {
	TotalEvents   int           `json:"total_events"`
	Turns         int           `json:"turns"`
	ToolUpdates   int           `json:"tool_updates"`
	ErrorCount    int           `json:"error_count"`
	TotalDuration time.Duration `json:"total_duration_ns"`
}

// BuildTimeline creates a timeline from events.
func BuildTimeline(events []*Event) *Timeline {
	if len(events) == 0 {
		return &Timeline{Events: []*Event{}, Summary: &TimelineSummary{}}
	}

	sortByTime(events)
	timeline := &Timeline{
		Events:    events,
		StartTime: events[0].Timestamp,
		EndTime:   events[len(events)-1].Timestamp,
		Summary:   &TimelineSummary{TotalEvents: len(events)},
	}

	for _, e := range events {
		if timeline.SessionID == "" {
			timeline.SessionID = e.SessionID
		}
		if e.Error != "" {
			timeline.Summary.ErrorCount++
		}
		switch e.Type {
		case EventTypeTurnStart:
			timeline.Summary.Turns++
		case EventTypeToolUpdate:
			timeline.Summary.ToolUpdates++
		case EventTypeTurnEnd:
			timeline.Summary.TotalDuration += e.Duration
		}
	}
	return timeline
}

// FormatTimeline renders a timeline as indented text.
func FormatTimeline(timeline *Timeline) string {
	if timeline == nil || len(timeline.Events) == 0 {
		return "No events found"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n", timeline.SessionID)
	fmt.Fprintf(&b, "Turns: %d, tool updates: %d, errors: %d\n\n",
		timeline.Summary.Turns, timeline.Summary.ToolUpdates, timeline.Summary.ErrorCount)

	for i, e := range timeline.Events {
		prefix := "├─"
		if i == len(timeline.Events)-1 {
			prefix = "└─"
		}
		fmt.Fprintf(&b, "%s [%s] %s: %s\n", prefix, e.Timestamp.Format("15:04:05.000"), e.Type, e.Name)
		if e.Duration > 0 {
			fmt.Fprintf(&b, "   Duration: %v\n", e.Duration)
		}
		if e.Error != "" {
			fmt.Fprintf(&b, "   Error: %s\n", e.Error)
		}
	}
	return b.String()
}
