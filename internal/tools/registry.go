// Package tools resolves tool names to capability providers and invokes
// them under the turn's settings snapshot.
//
// Providers are registered once at startup in a [Registry] keyed by
// provider identifier (see the identifiers in package settings). The
// [Router] is stateless: every dispatch reads only the registry and the
// snapshot it is handed.
package tools

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/nugget/chatcore/internal/settings"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a provider call when no per-provider timeout is
// registered.
const DefaultTimeout = 30 * time.Second

// Config is what a provider receives alongside the input. Fields not
// relevant to a provider are zero.
type Config struct {
	// ID is the provider identifier being invoked (e.g. "serp.baidu",
	// "mcp.home").
	ID string
	// Endpoint and AuthToken come from the snapshot's MCP server entry.
	Endpoint  string
	AuthToken string
	// Browse carries the snapshot's allow/deny host lists.
	Browse settings.BrowseLists
}

// Provider is one pluggable backend for a tool family or sub-provider.
// Invoke must honour ctx; the router additionally abandons calls that
// outlive their deadline.
type Provider interface {
	Invoke(ctx context.Context, input string, cfg Config) (string, error)
}

// ProviderFunc adapts a function to [Provider].
type ProviderFunc func(ctx context.Context, input string, cfg Config) (string, error)

// Invoke calls f.
func (f ProviderFunc) Invoke(ctx context.Context, input string, cfg Config) (string, error) {
	return f(ctx, input, cfg)
}

// Pinger is implemented by providers that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

type registration struct {
	provider Provider
	timeout  time.Duration
}

// RegisterOption tunes a registration.
type RegisterOption func(*registration)

// WithTimeout overrides [DefaultTimeout] for one provider.
func WithTimeout(d time.Duration) RegisterOption {
	return func(r *registration) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// Registry maps provider identifiers to implementations. It is written
// during startup and read concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]registration
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		providers: make(map[string]registration),
		logger:    logger,
	}
}

// Register binds id to p, replacing any earlier binding. The MCP family
// registers a single provider under [settings.MCP] that serves every
// configured server.
func (r *Registry) Register(id string, p Provider, opts ...RegisterOption) {
	reg := registration{provider: p, timeout: DefaultTimeout}
	for _, o := range opts {
		o(&reg)
	}
	r.mu.Lock()
	r.providers[id] = reg
	r.mu.Unlock()
	r.logger.Debug("registered capability provider", "provider", id, "timeout", reg.timeout)
}

func (r *Registry) lookup(id string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.providers[id]
	return reg, ok
}

// IDs returns the registered identifiers, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.providers))
}

// Probe pings every registered provider that implements [Pinger],
// concurrently, and returns the per-provider result. Providers without
// a Ping method are omitted.
func (r *Registry) Probe(ctx context.Context, timeout time.Duration) map[string]error {
	r.mu.RLock()
	targets := make(map[string]Pinger)
	for id, reg := range r.providers {
		if p, ok := reg.provider.(Pinger); ok {
			targets[id] = p
		}
	}
	r.mu.RUnlock()

	var mu sync.Mutex
	results := make(map[string]error, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for id, p := range targets {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			err := p.Ping(pctx)
			mu.Lock()
			results[id] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
