// Package conversation defines the values a turn produces: steps,
// messages, and the sessions they are appended to.
package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind identifies the variant of a [Step].
type Kind int

const (
	// KindThinking is visible reasoning text streamed by the model.
	KindThinking Kind = iota
	// KindToolCall is one tool invocation.
	KindToolCall
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindThinking:
		return "thinking"
	case KindToolCall:
		return "tool_call"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ToolCall is the payload of a [KindToolCall] step. Output is nil until
// the call succeeds; a failed call leaves it nil and sets [Step.Error].
type ToolCall struct {
	Name   string
	Input  string
	Output *string
}

// Step is one unit of a turn's trace. Tool is non-nil exactly when Kind
// is [KindToolCall]. A step with Finished == false is open and belongs to
// the executor that created it.
type Step struct {
	Kind       Kind
	Content    string
	Tool       *ToolCall
	Error      string
	Finished   bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// ToolName returns the invoked tool, or "" for thinking steps.
func (s Step) ToolName() string {
	if s.Tool == nil {
		return ""
	}
	return s.Tool.Name
}

// Output returns the tool output and whether one was recorded.
func (s Step) Output() (string, bool) {
	if s.Tool == nil || s.Tool.Output == nil {
		return "", false
	}
	return *s.Tool.Output, true
}

// Clone returns a deep copy of s.
func (s Step) Clone() Step {
	if s.Tool != nil {
		tc := *s.Tool
		if tc.Output != nil {
			out := *tc.Output
			tc.Output = &out
		}
		s.Tool = &tc
	}
	return s
}

// Validate checks the invariants of a finished step.
func (s Step) Validate() error {
	var errs []error
	if !s.Finished {
		errs = append(errs, errors.New("step is not finished"))
	}
	if !s.StartedAt.IsZero() && !s.FinishedAt.IsZero() && s.FinishedAt.Before(s.StartedAt) {
		errs = append(errs, fmt.Errorf("finishedAt %s before startedAt %s", s.FinishedAt, s.StartedAt))
	}
	switch s.Kind {
	case KindToolCall:
		if s.Tool == nil {
			errs = append(errs, errors.New("tool call step has no tool payload"))
			break
		}
		hasOut := s.Tool.Output != nil
		hasErr := s.Error != ""
		if s.Finished && hasOut == hasErr {
			errs = append(errs, fmt.Errorf("tool call %q must have exactly one of output or error", s.Tool.Name))
		}
	case KindThinking:
		if s.Tool != nil {
			errs = append(errs, errors.New("thinking step carries a tool payload"))
		}
	}
	return errors.Join(errs...)
}

// stepJSON is the serialized shape: flat, with optional fields omitted.
// Timestamps are epoch milliseconds.
type stepJSON struct {
	Type       string  `json:"type"`
	Content    string  `json:"content"`
	ToolName   *string `json:"toolName,omitempty"`
	IsFinished bool    `json:"isFinished"`
	Input      *string `json:"input,omitempty"`
	Output     *string `json:"output,omitempty"`
	Error      *string `json:"error,omitempty"`
	StartedAt  *int64  `json:"startedAt,omitempty"`
	FinishedAt *int64  `json:"finishedAt,omitempty"`
}

// MarshalJSON implements [json.Marshaler].
func (s Step) MarshalJSON() ([]byte, error) {
	w := stepJSON{
		Type:       s.Kind.String(),
		Content:    s.Content,
		IsFinished: s.Finished,
		StartedAt:  millis(s.StartedAt),
		FinishedAt: millis(s.FinishedAt),
	}
	if s.Tool != nil {
		name, input := s.Tool.Name, s.Tool.Input
		w.ToolName = &name
		w.Input = &input
		w.Output = s.Tool.Output
	}
	if s.Error != "" {
		e := s.Error
		w.Error = &e
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements [json.Unmarshaler].
func (s *Step) UnmarshalJSON(data []byte) error {
	var w stepJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := Step{
		Content:    w.Content,
		Finished:   w.IsFinished,
		StartedAt:  fromMillis(w.StartedAt),
		FinishedAt: fromMillis(w.FinishedAt),
	}
	switch w.Type {
	case "thinking", "":
		out.Kind = KindThinking
	case "tool_call":
		out.Kind = KindToolCall
		out.Tool = &ToolCall{Output: w.Output}
		if w.ToolName != nil {
			out.Tool.Name = *w.ToolName
		}
		if w.Input != nil {
			out.Tool.Input = *w.Input
		}
	default:
		return fmt.Errorf("unknown step type %q", w.Type)
	}
	if w.Error != nil {
		out.Error = *w.Error
	}
	*s = out
	return nil
}

func millis(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMillis(ms *int64) time.Time {
	if ms == nil {
		return time.Time{}
	}
	return time.UnixMilli(*ms)
}
