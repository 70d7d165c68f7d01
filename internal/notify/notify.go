// Package notify implements the "notification" family by publishing
// the tool input to an MQTT topic.
//
// The connection is managed by Eclipse Paho v2's [autopaho] package,
// created on first use and kept for the life of the provider. autopaho
// reconnects in the background; each publish waits for the connection
// to be up before sending at QoS 1.
package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/chatcore/internal/tools"
)

// Config describes the broker and destination topic.
type Config struct {
	// Broker is the broker URL: mqtt://, tcp://, mqtts:// or ssl://.
	Broker   string
	Username string
	Password string
	// ClientID defaults to "chatcore-<instance id>".
	ClientID string
	// Topic receives every notification.
	Topic string
	// DataDir holds the persisted instance id used for the default
	// client id.
	DataDir string
}

// Configured reports whether both broker and topic are set.
func (c Config) Configured() bool { return c.Broker != "" && c.Topic != "" }

// conn is the subset of *autopaho.ConnectionManager the provider uses.
type conn interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	AwaitConnection(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Provider publishes notifications.
type Provider struct {
	cfg    Config
	logger *slog.Logger
	dial   func(ctx context.Context) (conn, error)

	mu     sync.Mutex
	cm     conn
	cancel context.CancelFunc
}

// New creates a provider but does not connect; the first Invoke or
// Ping does.
func New(cfg Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{cfg: cfg, logger: logger.With("topic", cfg.Topic)}
	p.dial = p.connect
	return p
}

// Invoke publishes input to the configured topic and reports the
// payload size.
func (p *Provider) Invoke(ctx context.Context, input string, _ tools.Config) (string, error) {
	if !p.cfg.Configured() {
		return "", &tools.Error{Kind: tools.ConfigMissing, Message: "no MQTT broker or topic configured"}
	}
	payload := strings.TrimSpace(input)
	if payload == "" {
		return "", errors.New("notification: empty message")
	}

	cm, err := p.conn(ctx)
	if err != nil {
		return "", err
	}
	if err := cm.AwaitConnection(ctx); err != nil {
		return "", fmt.Errorf("mqtt await connection: %w", err)
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.cfg.Topic,
		Payload: []byte(payload),
		QoS:     1,
	}); err != nil {
		return "", fmt.Errorf("mqtt publish to %s: %w", p.cfg.Topic, err)
	}
	p.logger.Debug("notification published", "bytes", len(payload))
	return fmt.Sprintf("published %d bytes to %s", len(payload), p.cfg.Topic), nil
}

// Ping waits for the broker connection. An unconfigured provider
// reports nothing.
func (p *Provider) Ping(ctx context.Context) error {
	if !p.cfg.Configured() {
		return nil
	}
	cm, err := p.conn(ctx)
	if err != nil {
		return err
	}
	return cm.AwaitConnection(ctx)
}

// Stop disconnects from the broker. It is safe to call when never
// connected.
func (p *Provider) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm, cancel := p.cm, p.cancel
	p.cm, p.cancel = nil, nil
	p.mu.Unlock()

	if cm == nil {
		return nil
	}
	if cancel != nil {
		defer cancel()
	}
	return cm.Disconnect(ctx)
}

func (p *Provider) conn(ctx context.Context) (conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cm != nil {
		return p.cm, nil
	}
	cm, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	p.cm = cm
	return cm, nil
}

// connect starts an autopaho connection manager. Its lifetime is tied
// to the provider, not to the call that triggered it.
func (p *Provider) connect(_ context.Context) (conn, error) {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	clientID := p.cfg.ClientID
	if clientID == "" {
		id, err := LoadOrCreateInstanceID(p.cfg.DataDir)
		if err != nil {
			return nil, err
		}
		clientID = "chatcore-" + id
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cm, err := autopaho.NewConnection(runCtx, pahoCfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	p.cancel = cancel
	return cm, nil
}
