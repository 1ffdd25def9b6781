// ABOUTME: Server-sent event reader for streamed runs
// ABOUTME: Turns the raw text/event-stream body into discrete events one at a time

package langgraph

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
)

const maxEventLine = 16 << 20

// Stream event names emitted by the deployment.
const (
	EventMetadata = "metadata"
	EventValues   = "values"
	EventDebug    = "debug"
	EventError    = "error"
	EventEnd      = "end"
)

// Event is a single server-sent event.
type Event struct {
	Event string
	ID    string
	Data  json.RawMessage
}

// StreamError is reported when the deployment emits an error event mid-run.
type StreamError struct {
	Data string
}

func (e *StreamError) Error() string {
	return "langgraph: run stream error: " + e.Data
}

// EventStream reads events from a streamed run.
type EventStream struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	closeOnce sync.Once
}

// NewEventStream reads server-sent events from body and takes ownership of it.
func NewEventStream(body io.ReadCloser) *EventStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	return &EventStream{body: body, scanner: scanner}
}

// Recv returns the next event. It returns io.EOF once the deployment closes
// the stream or sends an end event, and a *StreamError for an error event.
func (s *EventStream) Recv() (*Event, error) {
	var event Event
	var dataLines []string
	pending := false

	for s.scanner.Scan() {
		line := s.scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if !pending {
				continue
			}
			event.Data = json.RawMessage(strings.Join(dataLines, "\n"))
			return dispatch(&event)
		}

		// Comment lines keep the connection alive
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		pending = true

		switch field {
		case "event":
			event.Event = value
		case "data":
			dataLines = append(dataLines, value)
		case "id":
			event.ID = value
		}
	}

	if err := s.scanner.Err(); err != nil {
		return nil, err
	}

	// Flush a final event that was not followed by a blank line
	if pending {
		event.Data = json.RawMessage(strings.Join(dataLines, "\n"))
		return dispatch(&event)
	}
	return nil, io.EOF
}

func dispatch(event *Event) (*Event, error) {
	if event.Event == "" {
		event.Event = "message"
	}
	switch event.Event {
	case EventEnd:
		return nil, io.EOF
	case EventError:
		return nil, &StreamError{Data: string(event.Data)}
	}
	return event, nil
}

// Close releases the underlying connection. It is safe to call more than once.
func (s *EventStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}

// IsStreamError reports whether err came from an error event.
func IsStreamError(err error) bool {
	var streamErr *StreamError
	return errors.As(err, &streamErr)
}
