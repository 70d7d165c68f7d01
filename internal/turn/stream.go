package turn

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// EventType discriminates model stream events.
type EventType int

const (
	// EventDelta carries a chunk of visible model text.
	EventDelta EventType = iota
	// EventToolCall asks for one tool invocation.
	EventToolCall
	// EventDone ends the turn normally.
	EventDone
	// EventError ends the turn with a stream failure.
	EventError
)

// String returns the recorded-stream name of the type.
func (t EventType) String() string {
	switch t {
	case EventDelta:
		return "delta"
	case EventToolCall:
		return "tool_call"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is one item of a model stream.
type Event struct {
	Type   EventType
	Text   string // EventDelta
	Name   string // EventToolCall
	Input  string // EventToolCall
	Reason string // EventError
}

// DeltaText returns a text delta event.
func DeltaText(text string) Event { return Event{Type: EventDelta, Text: text} }

// ToolCallRequest returns a tool invocation event.
func ToolCallRequest(name, input string) Event {
	return Event{Type: EventToolCall, Name: name, Input: input}
}

// Done returns the end-of-turn event.
func Done() Event { return Event{Type: EventDone} }

// StreamError returns a stream failure event.
func StreamError(reason string) Event { return Event{Type: EventError, Reason: reason} }

// Stream is a finite, lazily produced sequence of model events. Next
// returns io.EOF once the sequence is exhausted. Any other error is a
// stream failure.
type Stream interface {
	Next(ctx context.Context) (Event, error)
}

type sliceStream struct {
	events []Event
	pos    int
}

// FromSlice returns a stream that yields events in order.
func FromSlice(events ...Event) Stream {
	return &sliceStream{events: events}
}

func (s *sliceStream) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if s.pos >= len(s.events) {
		return Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

type chanStream struct {
	ch <-chan Event
}

// FromChannel returns a stream fed by ch. Closing ch ends the stream.
// Next returns ctx.Err() if ctx ends while waiting.
func FromChannel(ch <-chan Event) Stream {
	return &chanStream{ch: ch}
}

func (s *chanStream) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev, ok := <-s.ch:
		if !ok {
			return Event{}, io.EOF
		}
		return ev, nil
	}
}

// recordedEvent is one line of a recorded stream.
type recordedEvent struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Name   string `json:"name,omitempty"`
	Input  string `json:"input,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type jsonlStream struct {
	sc   *bufio.Scanner
	line int
}

// DecodeJSONL returns a stream reading one JSON event per line from r:
//
//	{"type":"delta","text":"..."}
//	{"type":"tool_call","name":"calendar","input":"today"}
//	{"type":"done"}
//	{"type":"error","reason":"..."}
//
// Blank lines are skipped. A malformed line fails the stream.
func DecodeJSONL(r io.Reader) Stream {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &jsonlStream{sc: sc}
}

func (s *jsonlStream) Next(ctx context.Context) (Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		if !s.sc.Scan() {
			if err := s.sc.Err(); err != nil {
				return Event{}, fmt.Errorf("read events: %w", err)
			}
			return Event{}, io.EOF
		}
		s.line++
		raw := s.sc.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var rec recordedEvent
		if err := json.Unmarshal(raw, &rec); err != nil {
			return Event{}, fmt.Errorf("line %d: %w", s.line, err)
		}
		switch rec.Type {
		case "delta":
			return DeltaText(rec.Text), nil
		case "tool_call":
			if rec.Name == "" {
				return Event{}, fmt.Errorf("line %d: tool_call without name", s.line)
			}
			return ToolCallRequest(rec.Name, rec.Input), nil
		case "done":
			return Done(), nil
		case "error":
			return StreamError(rec.Reason), nil
		default:
			return Event{}, fmt.Errorf("line %d: unknown event type %q", s.line, rec.Type)
		}
	}
}

// EncodeJSONL writes events in the format read by [DecodeJSONL].
func EncodeJSONL(w io.Writer, events []Event) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, ev := range events {
		rec := recordedEvent{Type: ev.Type.String(), Text: ev.Text, Name: ev.Name, Input: ev.Input, Reason: ev.Reason}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode %s event: %w", rec.Type, err)
		}
	}
	return nil
}
