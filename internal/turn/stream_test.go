package turn

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func drain(t *testing.T, s Stream) ([]Event, error) {
	t.Helper()
	var out []Event
	for {
		ev, err := s.Next(context.Background())
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

func TestDecodeJSONL(t *testing.T) {
	input := `{"type":"delta","text":"让我查一下"}

{"type":"tool_call","name":"calendar","input":"today"}
{"type":"delta","text":"今天是2025-10-10"}
{"type":"done"}
`
	got, err := drain(t, DecodeJSONL(strings.NewReader(input)))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
	want := []Event{
		DeltaText("让我查一下"),
		ToolCallRequest("calendar", "today"),
		DeltaText("今天是2025-10-10"),
		Done(),
	}
	if len(got) != len(want) {
		t.Fatalf("events = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestDecodeJSONL_Malformed(t *testing.T) {
	tests := map[string]string{
		"bad json":     "{not json}\n",
		"unknown type": `{"type":"wat"}` + "\n",
		"nameless":     `{"type":"tool_call","input":"x"}` + "\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := drain(t, DecodeJSONL(strings.NewReader(input)))
			if err == nil || errors.Is(err, io.EOF) {
				t.Errorf("err = %v, want decode error", err)
			}
		})
	}
}

func TestEncodeJSONL_RoundTrip(t *testing.T) {
	evs := []Event{DeltaText("<b>"), ToolCallRequest("serp", "go"), StreamError("reset")}
	var buf bytes.Buffer
	if err := EncodeJSONL(&buf, evs); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"<b>"`) {
		t.Errorf("HTML escaped: %s", buf.String())
	}
	got, _ := drain(t, DecodeJSONL(&buf))
	if len(got) != 3 || got[2] != StreamError("reset") {
		t.Errorf("decoded = %+v", got)
	}
}

func TestFromChannel(t *testing.T) {
	ch := make(chan Event, 2)
	ch <- DeltaText("a")
	close(ch)
	s := FromChannel(ch)
	if ev, err := s.Next(context.Background()); err != nil || ev.Text != "a" {
		t.Fatalf("Next = %+v, %v", ev, err)
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("closed channel err = %v, want io.EOF", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := FromChannel(make(chan Event)).Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled err = %v", err)
	}
}
