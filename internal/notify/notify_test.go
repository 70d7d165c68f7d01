package notify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/chatcore/internal/tools"
)

type fakeConn struct {
	mu           sync.Mutex
	published    []*paho.Publish
	awaitErr     error
	publishErr   error
	disconnected bool
}

func (f *fakeConn) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.published = append(f.published, p)
	return &paho.PublishResponse{}, nil
}

func (f *fakeConn) AwaitConnection(context.Context) error { return f.awaitErr }

func (f *fakeConn) Disconnect(context.Context) error {
	f.disconnected = true
	return nil
}

func newTestProvider(cfg Config, fc *fakeConn) (*Provider, *int) {
	p := New(cfg, nil)
	dials := 0
	p.dial = func(context.Context) (conn, error) {
		dials++
		return fc, nil
	}
	return p, &dials
}

func TestInvoke_PublishesQoS1(t *testing.T) {
	fc := &fakeConn{}
	p, dials := newTestProvider(Config{Broker: "mqtt://broker:1883", Topic: "chatcore/notify"}, fc)

	for _, msg := range []string{"hello", "  world \n"} {
		if _, err := p.Invoke(context.Background(), msg, tools.Config{}); err != nil {
			t.Fatalf("Invoke(%q): %v", msg, err)
		}
	}

	if *dials != 1 {
		t.Errorf("dialed %d times, want 1", *dials)
	}
	if len(fc.published) != 2 {
		t.Fatalf("published %d, want 2", len(fc.published))
	}
	got := fc.published[1]
	if got.Topic != "chatcore/notify" || got.QoS != 1 || string(got.Payload) != "world" {
		t.Errorf("publish = topic %q qos %d payload %q", got.Topic, got.QoS, got.Payload)
	}
}

func TestInvoke_Result(t *testing.T) {
	p, _ := newTestProvider(Config{Broker: "mqtt://b", Topic: "t"}, &fakeConn{})
	out, err := p.Invoke(context.Background(), "ping", tools.Config{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != "published 4 bytes to t" {
		t.Errorf("out = %q", out)
	}
}

func TestInvoke_NotConfigured(t *testing.T) {
	tests := []Config{
		{},
		{Broker: "mqtt://b"},
		{Topic: "t"},
	}
	for _, cfg := range tests {
		p, dials := newTestProvider(cfg, &fakeConn{})
		_, err := p.Invoke(context.Background(), "hi", tools.Config{})

		var te *tools.Error
		if !errors.As(err, &te) || te.Kind != tools.ConfigMissing {
			t.Errorf("cfg %+v: err = %v, want ConfigMissing", cfg, err)
		}
		if *dials != 0 {
			t.Errorf("cfg %+v: dialed without config", cfg)
		}
		if err := p.Ping(context.Background()); err != nil {
			t.Errorf("cfg %+v: Ping = %v", cfg, err)
		}
	}
}

func TestInvoke_EmptyMessage(t *testing.T) {
	p, _ := newTestProvider(Config{Broker: "mqtt://b", Topic: "t"}, &fakeConn{})
	if _, err := p.Invoke(context.Background(), "   ", tools.Config{}); err == nil {
		t.Fatal("expected error for empty message")
	}
}

func TestInvoke_Errors(t *testing.T) {
	t.Run("await", func(t *testing.T) {
		p, _ := newTestProvider(Config{Broker: "mqtt://b", Topic: "t"}, &fakeConn{awaitErr: context.DeadlineExceeded})
		_, err := p.Invoke(context.Background(), "x", tools.Config{})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err = %v", err)
		}
	})
	t.Run("publish", func(t *testing.T) {
		p, _ := newTestProvider(Config{Broker: "mqtt://b", Topic: "t"}, &fakeConn{publishErr: errors.New("refused")})
		_, err := p.Invoke(context.Background(), "x", tools.Config{})
		if err == nil || !strings.Contains(err.Error(), "refused") {
			t.Errorf("err = %v", err)
		}
	})
	t.Run("dial", func(t *testing.T) {
		p := New(Config{Broker: "mqtt://b", Topic: "t"}, nil)
		p.dial = func(context.Context) (conn, error) { return nil, errors.New("no route") }
		if err := p.Ping(context.Background()); err == nil {
			t.Error("expected dial error")
		}
	})
}

func TestConnect_BadBrokerURL(t *testing.T) {
	p := New(Config{Broker: "://bad", Topic: "t", ClientID: "c"}, nil)
	_, err := p.Invoke(context.Background(), "x", tools.Config{})
	if err == nil || !strings.Contains(err.Error(), "parse mqtt broker URL") {
		t.Fatalf("err = %v", err)
	}
}

func TestStop(t *testing.T) {
	fc := &fakeConn{}
	p, dials := newTestProvider(Config{Broker: "mqtt://b", Topic: "t"}, fc)

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop before connect: %v", err)
	}
	if _, err := p.Invoke(context.Background(), "x", tools.Config{}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !fc.disconnected {
		t.Error("Stop did not disconnect")
	}

	if _, err := p.Invoke(context.Background(), "y", tools.Config{}); err != nil {
		t.Fatalf("Invoke after Stop: %v", err)
	}
	if *dials != 2 {
		t.Errorf("dials = %d, want reconnect after Stop", *dials)
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := uuid.Parse(first); err != nil {
		t.Errorf("id %q is not a UUID: %v", first, err)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want stable %q", second, first)
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.TrimSpace(string(data)) != first {
		t.Errorf("file content = %q", data)
	}
}
