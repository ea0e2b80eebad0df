package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

const maxEventLine = 4 * 1024 * 1024

// EventStream is an open subscription to the runtime's /event stream.
// Next blocks until an event arrives, the stream ends, or the context
// passed to Subscribe is cancelled.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc

	closeOnce sync.Once
	data      []string
}

// Subscribe opens the global event stream. It returns once the runtime has
// accepted the subscription, so events published afterwards are not lost.
func (c *Client) Subscribe(ctx context.Context) (*EventStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create event request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.stream.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe events: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, &APIError{Method: http.MethodGet, Path: "/event", Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxEventLine)

	return &EventStream{
		body:    resp.Body,
		scanner: scanner,
		cancel:  cancel,
	}, nil
}

// Next returns the next event. io.EOF signals a clean end of stream.
func (s *EventStream) Next() (Event, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()

		if line == "" {
			if len(s.data) == 0 {
				continue
			}
			payload := strings.Join(s.data, "\n")
			s.data = s.data[:0]
			var event Event
			if err := json.Unmarshal([]byte(payload), &event); err != nil || event.Type == "" {
				continue
			}
			return event, nil
		}

		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			s.data = append(s.data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := s.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// Close cancels the subscription and releases the connection.
func (s *EventStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}
