package turn

import (
	"errors"
	"time"

	"github.com/nugget/chatcore/internal/conversation"
)

// Mutation errors.
var (
	// ErrStepFinished is returned when mutating a step after Finish.
	ErrStepFinished = errors.New("step already finished")
	// ErrStepOpen is returned when opening a step while another is open.
	ErrStepOpen = errors.New("a step is already open")
)

// Outcome is how a step ends. A zero Outcome is a success with no output.
type Outcome struct {
	Output string
	// Err, when non-empty, marks the step failed with this message.
	Err string
}

// Success returns a successful outcome carrying output.
func Success(output string) Outcome { return Outcome{Output: output} }

// Failure returns a failed outcome. An empty reason becomes "failed".
func Failure(reason string) Outcome {
	if reason == "" {
		reason = "failed"
	}
	return Outcome{Err: reason}
}

// Failed reports whether o is a failure.
func (o Outcome) Failed() bool { return o.Err != "" }

// StepMutator builds the ordered step trace of one turn. It owns the
// single open step; nothing else may write to a step. A StepMutator is
// not safe for concurrent use.
type StepMutator struct {
	steps []conversation.Step
	open  bool
}

// OpenThinking opens a new thinking step.
func (m *StepMutator) OpenThinking(now time.Time) error {
	return m.push(conversation.Step{Kind: conversation.KindThinking, StartedAt: now})
}

// OpenToolCall opens a new tool call step.
func (m *StepMutator) OpenToolCall(name, input string, now time.Time) error {
	return m.push(conversation.Step{
		Kind:      conversation.KindToolCall,
		Tool:      &conversation.ToolCall{Name: name, Input: input},
		StartedAt: now,
	})
}

func (m *StepMutator) push(s conversation.Step) error {
	if m.open {
		return ErrStepOpen
	}
	m.steps = append(m.steps, s)
	m.open = true
	return nil
}

// Current returns a copy of the open step.
func (m *StepMutator) Current() (conversation.Step, bool) {
	if !m.open {
		return conversation.Step{}, false
	}
	return m.steps[len(m.steps)-1].Clone(), true
}

// Append extends the open step: thinking text for a thinking step,
// additional input for a tool call step.
func (m *StepMutator) Append(delta string) error {
	if !m.open {
		return ErrStepFinished
	}
	s := &m.steps[len(m.steps)-1]
	if s.Kind == conversation.KindToolCall {
		s.Tool.Input += delta
		return nil
	}
	s.Content += delta
	return nil
}

// Finish closes the open step with outcome. A tool call step records
// exactly one of output or error. A thinking step records only a
// failure. FinishedAt never precedes StartedAt.
func (m *StepMutator) Finish(outcome Outcome, now time.Time) error {
	if !m.open {
		return ErrStepFinished
	}
	s := &m.steps[len(m.steps)-1]
	if outcome.Failed() {
		s.Error = outcome.Err
	} else if s.Kind == conversation.KindToolCall {
		out := outcome.Output
		s.Tool.Output = &out
	}
	if now.Before(s.StartedAt) {
		now = s.StartedAt
	}
	s.FinishedAt = now
	s.Finished = true
	m.open = false
	return nil
}

// FinishOpen finishes the open step if there is one and reports whether
// it did.
func (m *StepMutator) FinishOpen(outcome Outcome, now time.Time) bool {
	return m.Finish(outcome, now) == nil
}

// Len returns the number of steps, open or finished.
func (m *StepMutator) Len() int { return len(m.steps) }

// Steps returns a deep copy of the trace.
func (m *StepMutator) Steps() []conversation.Step {
	out := make([]conversation.Step, len(m.steps))
	for i, s := range m.steps {
		out[i] = s.Clone()
	}
	return out
}
