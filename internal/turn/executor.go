// Package turn executes one assistant turn: it consumes a model event
// stream, records reasoning and tool use as an ordered step trace,
// dispatches tool calls, and always returns a finalized message.
package turn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/chatcore/internal/conversation"
	"github.com/nugget/chatcore/internal/events"
	"github.com/nugget/chatcore/internal/settings"
	"github.com/nugget/chatcore/internal/tools"
)

// Step error strings for turns that end early.
const (
	ReasonInterrupted = "interrupted"
	ReasonCancelled   = "cancelled"
)

// Turn errors. ErrCancelled and ErrStreamInterrupted match any
// [*tools.Error] of the same kind under errors.Is.
var (
	ErrCancelled         = tools.ErrCancelled
	ErrStreamInterrupted = tools.ErrStreamInterrupted
	// ErrTurnInProgress is returned when a session already has a turn
	// executing.
	ErrTurnInProgress = errors.New("turn already in progress for session")
)

// Outcomes reported in turn_complete events.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Dispatcher invokes tools. [*tools.Router] implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, toolName, input string, snap settings.Snapshot) (string, error)
}

// Context is the caller-supplied identity of a turn.
type Context struct {
	// SessionID scopes the per-session turn guard and session-bound
	// providers. Empty means "default".
	SessionID string
	// ImageRefs are copied to the produced message.
	ImageRefs []string
}

// Executor runs turns. It is safe for concurrent use across sessions;
// within one session only one turn may run at a time.
type Executor struct {
	dispatcher Dispatcher
	logger     *slog.Logger
	bus        *events.Bus
	now        func() time.Time

	mu     sync.Mutex
	active map[string]struct{}
}

// Option configures an [Executor].
type Option func(*Executor)

// WithClock replaces time.Now for step timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithEventBus publishes turn lifecycle events on b.
func WithEventBus(b *events.Bus) Option {
	return func(e *Executor) { e.bus = b }
}

// NewExecutor creates an executor dispatching tool calls through d.
func NewExecutor(d Dispatcher, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		dispatcher: d,
		logger:     logger,
		now:        time.Now,
		active:     make(map[string]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Executor) acquire(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.active[sessionID]; busy {
		return false
	}
	e.active[sessionID] = struct{}{}
	return true
}

func (e *Executor) release(sessionID string) {
	e.mu.Lock()
	delete(e.active, sessionID)
	e.mu.Unlock()
}

// Execute runs one turn over stream using snap for every dispatch.
//
// The returned message is never nil and every step in it is finished.
// Tool failures are recorded on their step and do not end the turn. The
// error is non-nil when the stream failed ([ErrStreamInterrupted]), ctx
// was cancelled ([ErrCancelled]), or the session is busy
// ([ErrTurnInProgress]); the message then holds whatever trace was built.
func (e *Executor) Execute(ctx context.Context, tc Context, stream Stream, snap settings.Snapshot) (*conversation.Message, error) {
	sessionID := tc.SessionID
	if sessionID == "" {
		sessionID = tools.DefaultSessionID
	}

	start := e.now()
	msg := conversation.NewMessage(conversation.RoleAssistant, start)
	msg.ImageRefs = append([]string(nil), tc.ImageRefs...)

	if !e.acquire(sessionID) {
		return msg, ErrTurnInProgress
	}
	defer e.release(sessionID)

	ctx = tools.WithSessionID(ctx, sessionID)
	log := e.logger.With("session", sessionID, "message_id", msg.ID.String())
	log.Debug("turn started")
	e.bus.Emit(events.SourceTurn, events.KindTurnStart, map[string]any{
		"session_id": sessionID,
		"message_id": msg.ID.String(),
	})

	r := &run{
		exec:      e,
		sessionID: sessionID,
		snap:      snap,
		log:       log,
	}
	err := r.loop(ctx, stream)

	msg.Steps = r.steps.Steps()
	msg.Content = trailingThought(msg.Steps)

	outcome := OutcomeCompleted
	switch {
	case errors.Is(err, ErrCancelled):
		outcome = OutcomeCancelled
	case err != nil:
		outcome = OutcomeFailed
	}
	elapsed := e.now().Sub(start)
	log.Info("turn finished",
		"outcome", outcome,
		"steps", len(msg.Steps),
		"elapsed", elapsed.Round(time.Millisecond),
	)
	e.bus.Emit(events.SourceTurn, events.KindTurnComplete, map[string]any{
		"session_id": sessionID,
		"message_id": msg.ID.String(),
		"steps":      len(msg.Steps),
		"outcome":    outcome,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	return msg, err
}

// run holds the state of one Execute call.
type run struct {
	exec      *Executor
	sessionID string
	snap      settings.Snapshot
	log       *slog.Logger
	steps     StepMutator
}

func (r *run) loop(ctx context.Context, stream Stream) error {
	for {
		if ctx.Err() != nil {
			return r.cancelled(ctx)
		}

		ev, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return r.cancelled(ctx)
			}
			reason := err.Error()
			if errors.Is(err, io.EOF) {
				reason = "stream ended without done"
			}
			return r.interrupted(reason, err)
		}

		switch ev.Type {
		case EventDelta:
			if err := r.think(ev.Text); err != nil {
				return r.interrupted(err.Error(), err)
			}

		case EventToolCall:
			if err := r.callTool(ctx, ev.Name, ev.Input); err != nil {
				return err
			}

		case EventDone:
			r.steps.FinishOpen(Outcome{}, r.exec.now())
			return nil

		case EventError:
			return r.interrupted(ev.Reason, nil)

		default:
			return r.interrupted("unknown event "+ev.Type.String(), nil)
		}
	}
}

// think appends text to the open thinking step, opening one if needed.
func (r *run) think(text string) error {
	if cur, ok := r.steps.Current(); ok && cur.Kind == conversation.KindThinking {
		return r.steps.Append(text)
	}
	r.steps.FinishOpen(Outcome{}, r.exec.now())
	if err := r.steps.OpenThinking(r.exec.now()); err != nil {
		return err
	}
	return r.steps.Append(text)
}

func (r *run) callTool(ctx context.Context, name, input string) error {
	r.steps.FinishOpen(Outcome{}, r.exec.now())
	started := r.exec.now()
	if err := r.steps.OpenToolCall(name, input, started); err != nil {
		return r.interrupted(err.Error(), err)
	}
	idx := r.steps.Len() - 1

	r.exec.bus.Emit(events.SourceTurn, events.KindToolCall, map[string]any{
		"session_id": r.sessionID,
		"tool":       name,
		"step":       idx,
	})

	out, err := r.exec.dispatcher.Dispatch(ctx, name, input, r.snap)

	if ctx.Err() != nil {
		return r.cancelled(ctx)
	}

	outcome := Success(out)
	if err != nil {
		outcome = Failure(err.Error())
		r.log.Warn("tool call failed", "tool", name, "error", err)
	} else {
		r.log.Debug("tool call succeeded", "tool", name, "output_len", len(out))
	}
	finished := r.exec.now()
	r.steps.FinishOpen(outcome, finished)

	data := map[string]any{
		"session_id":  r.sessionID,
		"tool":        name,
		"step":        idx,
		"ok":          err == nil,
		"duration_ms": finished.Sub(started).Milliseconds(),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	r.exec.bus.Emit(events.SourceTurn, events.KindToolDone, data)
	return nil
}

// cancelled finishes the open step as cancelled. ctx must be done.
func (r *run) cancelled(ctx context.Context) error {
	r.steps.FinishOpen(Failure(ReasonCancelled), r.exec.now())
	r.log.Info("turn cancelled", "cause", context.Cause(ctx))
	return &tools.Error{Kind: tools.Cancelled, Message: "turn cancelled", Err: ctx.Err()}
}

// interrupted finishes the open step as interrupted.
func (r *run) interrupted(reason string, cause error) error {
	r.steps.FinishOpen(Failure(ReasonInterrupted), r.exec.now())
	r.log.Warn("model stream failed", "reason", reason)
	return &tools.Error{Kind: tools.StreamInterrupted, Message: reason, Err: cause}
}

// trailingThought returns the text of the last step if it is a thinking
// step.
func trailingThought(steps []conversation.Step) string {
	if len(steps) == 0 {
		return ""
	}
	last := steps[len(steps)-1]
	if last.Kind != conversation.KindThinking {
		return ""
	}
	return last.Content
}
