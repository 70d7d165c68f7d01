package turn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/chatcore/internal/conversation"
	"github.com/nugget/chatcore/internal/events"
	"github.com/nugget/chatcore/internal/settings"
	"github.com/nugget/chatcore/internal/tools"
)

// fakeDispatcher answers tool calls from a table keyed by tool name.
type fakeDispatcher struct {
	mu       sync.Mutex
	results  map[string]string
	errs     map[string]error
	block    bool          // wait for ctx instead of answering
	entered  chan struct{} // closed on first call when non-nil
	calls    []string
	sessions []string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, name, input string, _ settings.Snapshot) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.sessions = append(f.sessions, tools.SessionIDFromContext(ctx))
	if f.entered != nil && len(f.calls) == 1 {
		close(f.entered)
	}
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return "", &tools.Error{Kind: tools.Cancelled, Tool: name, Err: ctx.Err()}
	}
	if err, ok := f.errs[name]; ok {
		return "", err
	}
	return f.results[name], nil
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// tickClock returns a clock advancing one second per reading.
func tickClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2025, 10, 10, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestExecutor(d Dispatcher, opts ...Option) *Executor {
	return NewExecutor(d, nil, append([]Option{WithClock(tickClock())}, opts...)...)
}

func assertFinished(t *testing.T, msg *conversation.Message) {
	t.Helper()
	if err := msg.Validate(); err != nil {
		t.Fatalf("message invalid: %v", err)
	}
}

func TestExecute_EndToEnd(t *testing.T) {
	d := &fakeDispatcher{results: map[string]string{"calendar": "2025-10-10"}}
	e := newTestExecutor(d)

	stream := FromSlice(
		DeltaText("让我查一下"),
		ToolCallRequest("calendar", "today"),
		DeltaText("今天是2025-10-10"),
		Done(),
	)
	msg, err := e.Execute(context.Background(), Context{SessionID: "s1"}, stream, settings.Default())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	assertFinished(t, msg)

	if len(msg.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(msg.Steps))
	}
	s0, s1, s2 := msg.Steps[0], msg.Steps[1], msg.Steps[2]
	if s0.Kind != conversation.KindThinking || s0.Content != "让我查一下" {
		t.Errorf("step 0 = %s %q", s0.Kind, s0.Content)
	}
	out, ok := s1.Output()
	if s1.Kind != conversation.KindToolCall || s1.ToolName() != "calendar" || s1.Tool.Input != "today" || !ok || out != "2025-10-10" {
		t.Errorf("step 1 = %s %q input=%q output=%q", s1.Kind, s1.ToolName(), s1.Tool.Input, out)
	}
	if s2.Kind != conversation.KindThinking || s2.Content != "今天是2025-10-10" {
		t.Errorf("step 2 = %s %q", s2.Kind, s2.Content)
	}
	if msg.Content != "今天是2025-10-10" {
		t.Errorf("Content = %q", msg.Content)
	}
	if msg.Role != conversation.RoleAssistant {
		t.Errorf("Role = %q", msg.Role)
	}
}

func TestExecute_DeltasCoalesce(t *testing.T) {
	e := newTestExecutor(&fakeDispatcher{})
	msg, err := e.Execute(context.Background(), Context{}, FromSlice(DeltaText("a"), DeltaText("b"), DeltaText("c"), Done()), settings.Default())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(msg.Steps) != 1 || msg.Steps[0].Content != "abc" {
		t.Errorf("steps = %+v, want one thinking step \"abc\"", msg.Steps)
	}
}

func TestExecute_ToolFailureDoesNotAbort(t *testing.T) {
	d := &fakeDispatcher{
		errs:    map[string]error{"serp": &tools.Error{Kind: tools.AllProvidersFailed, Tool: "serp"}},
		results: map[string]string{"calendar": "2025-10-10"},
	}
	e := newTestExecutor(d)

	msg, err := e.Execute(context.Background(), Context{}, FromSlice(
		ToolCallRequest("serp", "weather"),
		ToolCallRequest("calendar", "today"),
		DeltaText("done"),
		Done(),
	), settings.Default())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	assertFinished(t, msg)
	if len(msg.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(msg.Steps))
	}
	failed := msg.Steps[0]
	if failed.Error == "" {
		t.Error("failed tool step has no error")
	}
	if _, ok := failed.Output(); ok {
		t.Error("failed tool step has an output")
	}
	if out, _ := msg.Steps[1].Output(); out != "2025-10-10" {
		t.Errorf("second tool output = %q", out)
	}
}

func TestExecute_StreamErrorWithOpenStep(t *testing.T) {
	e := newTestExecutor(&fakeDispatcher{})
	msg, err := e.Execute(context.Background(), Context{}, FromSlice(DeltaText("thinking"), StreamError("connection reset")), settings.Default())
	if !errors.Is(err, ErrStreamInterrupted) {
		t.Fatalf("err = %v, want ErrStreamInterrupted", err)
	}
	assertFinished(t, msg)
	if len(msg.Steps) != 1 || msg.Steps[0].Error != ReasonInterrupted {
		t.Errorf("steps = %+v, want one step with error %q", msg.Steps, ReasonInterrupted)
	}
}

func TestExecute_StreamErrorWithoutOpenStep(t *testing.T) {
	d := &fakeDispatcher{results: map[string]string{"calendar": "x"}}
	e := newTestExecutor(d)
	msg, err := e.Execute(context.Background(), Context{}, FromSlice(ToolCallRequest("calendar", "now"), StreamError("boom")), settings.Default())
	if !errors.Is(err, ErrStreamInterrupted) {
		t.Fatalf("err = %v, want ErrStreamInterrupted", err)
	}
	if len(msg.Steps) != 1 {
		t.Fatalf("steps = %d, want 1 (no step added on error)", len(msg.Steps))
	}
	if msg.Steps[0].Error != "" {
		t.Errorf("completed tool step rewritten with error %q", msg.Steps[0].Error)
	}
}

func TestExecute_EOFWithoutDone(t *testing.T) {
	e := newTestExecutor(&fakeDispatcher{})
	msg, err := e.Execute(context.Background(), Context{}, FromSlice(DeltaText("partial")), settings.Default())
	if !errors.Is(err, ErrStreamInterrupted) {
		t.Fatalf("err = %v, want ErrStreamInterrupted", err)
	}
	assertFinished(t, msg)
	if msg.Steps[0].Error != ReasonInterrupted {
		t.Errorf("step error = %q", msg.Steps[0].Error)
	}
}

func TestExecute_EmptyDone(t *testing.T) {
	e := newTestExecutor(&fakeDispatcher{})
	msg, err := e.Execute(context.Background(), Context{ImageRefs: []string{"img://1"}}, FromSlice(Done()), settings.Default())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(msg.Steps) != 0 || msg.Content != "" {
		t.Errorf("msg = %+v, want empty", msg)
	}
	if len(msg.ImageRefs) != 1 || msg.ImageRefs[0] != "img://1" {
		t.Errorf("ImageRefs = %v", msg.ImageRefs)
	}
}

func TestExecute_CancelWhileThinking(t *testing.T) {
	d := &fakeDispatcher{}
	e := newTestExecutor(d)
	ch := make(chan Event)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		msg *conversation.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := e.Execute(ctx, Context{}, FromChannel(ch), settings.Default())
		done <- result{msg, err}
	}()

	ch <- DeltaText("让我想想")
	cancel()

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}
	if !errors.Is(res.err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", res.err)
	}
	assertFinished(t, res.msg)
	if len(res.msg.Steps) != 1 {
		t.Fatalf("steps = %d, want 1", len(res.msg.Steps))
	}
	last := res.msg.Steps[0]
	if last.Kind != conversation.KindThinking || last.Error != ReasonCancelled || !last.Finished {
		t.Errorf("last step = %+v", last)
	}
	if d.callCount() != 0 {
		t.Errorf("dispatch called %d times", d.callCount())
	}
}

func TestExecute_CancelDuringTool(t *testing.T) {
	d := &fakeDispatcher{block: true, entered: make(chan struct{})}
	e := newTestExecutor(d)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := FromSlice(
		ToolCallRequest("serp", "golang"),
		ToolCallRequest("calendar", "today"),
		Done(),
	)
	go func() {
		<-d.entered
		cancel()
	}()

	msg, err := e.Execute(ctx, Context{}, stream, settings.Default())
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	assertFinished(t, msg)
	if len(msg.Steps) != 1 || msg.Steps[0].Error != ReasonCancelled {
		t.Errorf("steps = %+v, want one cancelled tool step", msg.Steps)
	}
	if d.callCount() != 1 {
		t.Errorf("dispatch called %d times, want 1", d.callCount())
	}
}

func TestExecute_ToolCancelledErrorWithLiveContext(t *testing.T) {
	d := &fakeDispatcher{errs: map[string]error{
		"calendar": &tools.Error{Kind: tools.Cancelled, Tool: "calendar"},
	}}
	e := newTestExecutor(d)

	msg, err := e.Execute(context.Background(), Context{}, FromSlice(
		ToolCallRequest("calendar", "x"),
		DeltaText("after"),
		Done(),
	), settings.Default())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	assertFinished(t, msg)
	if len(msg.Steps) != 2 {
		t.Fatalf("steps = %+v, want tool call then thinking", msg.Steps)
	}
	if msg.Steps[0].Error == "" || msg.Steps[0].Error == ReasonCancelled {
		t.Errorf("tool step error = %q, want the tool's error", msg.Steps[0].Error)
	}
	if msg.Steps[1].Content != "after" || msg.Content != "after" {
		t.Errorf("thinking = %q, content = %q, want \"after\"", msg.Steps[1].Content, msg.Content)
	}
}

func TestExecute_RouterProviderCancelledContinues(t *testing.T) {
	reg := tools.NewRegistry(nil)
	reg.Register(settings.Calendar, tools.ProviderFunc(func(context.Context, string, tools.Config) (string, error) {
		return "", &tools.Error{Kind: tools.Cancelled}
	}))
	e := newTestExecutor(tools.NewRouter(reg, nil))

	msg, err := e.Execute(context.Background(), Context{}, FromSlice(
		ToolCallRequest("calendar", "x"),
		DeltaText("after"),
		Done(),
	), settings.Default())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	assertFinished(t, msg)
	if len(msg.Steps) != 2 || msg.Content != "after" {
		t.Fatalf("steps = %+v, content = %q", msg.Steps, msg.Content)
	}
	if !strings.Contains(msg.Steps[0].Error, "provider error") {
		t.Errorf("tool step error = %q, want a provider error", msg.Steps[0].Error)
	}
}

func TestExecute_CancelLogsCause(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	d := &fakeDispatcher{block: true, entered: make(chan struct{})}
	e := NewExecutor(d, logger, WithClock(tickClock()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-d.entered
		cancel()
	}()

	if _, err := e.Execute(ctx, Context{}, FromSlice(ToolCallRequest("serp", "go"), Done()), settings.Default()); !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	out := buf.String()
	if !strings.Contains(out, `cause="context canceled"`) || strings.Contains(out, "<nil>") {
		t.Errorf("log = %q, want the context cause", out)
	}
}

func TestExecute_TurnInProgress(t *testing.T) {
	d := &fakeDispatcher{block: true, entered: make(chan struct{})}
	e := newTestExecutor(d)
	ctx, cancel := context.WithCancel(context.Background())

	first := make(chan error, 1)
	go func() {
		_, err := e.Execute(ctx, Context{SessionID: "busy"}, FromSlice(ToolCallRequest("serp", "q"), Done()), settings.Default())
		first <- err
	}()
	<-d.entered

	msg, err := e.Execute(context.Background(), Context{SessionID: "busy"}, FromSlice(Done()), settings.Default())
	if !errors.Is(err, ErrTurnInProgress) {
		t.Errorf("err = %v, want ErrTurnInProgress", err)
	}
	if msg == nil {
		t.Error("message is nil")
	}

	if _, err := e.Execute(context.Background(), Context{SessionID: "other"}, FromSlice(Done()), settings.Default()); err != nil {
		t.Errorf("other session: %v", err)
	}

	cancel()
	<-first

	if _, err := e.Execute(context.Background(), Context{SessionID: "busy"}, FromSlice(Done()), settings.Default()); err != nil {
		t.Errorf("after release: %v", err)
	}
}

func TestExecute_SessionOnContext(t *testing.T) {
	d := &fakeDispatcher{results: map[string]string{"memory": "ok"}}
	e := newTestExecutor(d)
	if _, err := e.Execute(context.Background(), Context{SessionID: "abc"}, FromSlice(ToolCallRequest("memory", "k: v"), Done()), settings.Default()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(d.sessions) != 1 || d.sessions[0] != "abc" {
		t.Errorf("sessions = %v, want [abc]", d.sessions)
	}
}

func TestExecute_PublishesEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	d := &fakeDispatcher{results: map[string]string{"calendar": "2025-10-10"}}
	e := newTestExecutor(d, WithEventBus(bus))
	if _, err := e.Execute(context.Background(), Context{}, FromSlice(ToolCallRequest("calendar", "today"), Done()), settings.Default()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := []string{events.KindTurnStart, events.KindToolCall, events.KindToolDone, events.KindTurnComplete}
	for i, kind := range want {
		select {
		case ev := <-ch:
			if ev.Kind != kind {
				t.Errorf("event %d = %q, want %q", i, ev.Kind, kind)
			}
			if kind == events.KindTurnComplete && ev.Data["outcome"] != OutcomeCompleted {
				t.Errorf("outcome = %v", ev.Data["outcome"])
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %q", kind)
		}
	}
}

// Every script, however it ends, yields only finished steps with ordered
// timestamps and exactly one of output/error on tool calls.
func TestExecute_StepsAlwaysFinished(t *testing.T) {
	d := &fakeDispatcher{
		results: map[string]string{"calendar": "2025-10-10", "file": ""},
		errs:    map[string]error{"serp": errors.New("down")},
	}
	scripts := [][]Event{
		{Done()},
		{DeltaText("x")},
		{ToolCallRequest("calendar", "today")},
		{ToolCallRequest("file", `{"op":"list"}`), Done()},
		{DeltaText("a"), ToolCallRequest("serp", "q"), DeltaText("b"), StreamError("eof")},
		{ToolCallRequest("serp", "q"), ToolCallRequest("calendar", "now"), Done()},
		{StreamError("immediately")},
	}
	for i, script := range scripts {
		t.Run(fmt.Sprintf("script%d", i), func(t *testing.T) {
			e := newTestExecutor(d)
			msg, _ := e.Execute(context.Background(), Context{}, FromSlice(script...), settings.Default())
			if msg == nil {
				t.Fatal("nil message")
			}
			assertFinished(t, msg)
		})
	}
}
