package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/nugget/chatcore/internal/events"
	"github.com/nugget/chatcore/internal/settings"
)

// Family names.
const (
	FamilyLocal        = settings.Local
	FamilyCalendar     = settings.Calendar
	FamilyNotification = settings.Notification
	FamilyFile         = settings.File
	FamilyBrowse       = settings.Browse
	FamilyMemory       = settings.Memory
	FamilyMCP          = settings.MCP
	FamilyPublicAPI    = "publicApi"
	FamilySERP         = "serp"
)

// PublicAPIOrder is the failover priority of the publicApi family. It is
// the declaration order of the providers' configuration.
var PublicAPIOrder = []string{
	settings.PublicAPIViki,
	settings.PublicAPITen,
	settings.PublicAPIVvHan,
	settings.PublicAPIQqsuu,
	settings.PublicAPI770a,
}

// SERPOrder is the failover priority of the serp family.
var SERPOrder = []string{
	settings.SERPBaidu,
	settings.SERPDuckDuckGo,
}

var aggregators = map[string][]string{
	FamilyPublicAPI: PublicAPIOrder,
	FamilySERP:      SERPOrder,
}

var bareFamilies = map[string]bool{
	FamilyLocal:        true,
	FamilyCalendar:     true,
	FamilyNotification: true,
	FamilyFile:         true,
	FamilyBrowse:       true,
	FamilyMemory:       true,
}

// Router resolves tool names against a [Registry] and a snapshot.
type Router struct {
	registry *Registry
	logger   *slog.Logger
	bus      *events.Bus
}

// NewRouter creates a router over reg.
func NewRouter(reg *Registry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{registry: reg, logger: logger}
}

// SetEventBus makes the router publish a provider_attempt event for every
// provider call. Call before the first Dispatch.
func (r *Router) SetEventBus(b *events.Bus) {
	r.bus = b
}

// Dispatch invokes the tool named toolName with input. Names are a bare
// family ("calendar", "serp"), a qualified aggregator provider
// ("serp.baidu"), or an MCP server ("mcp.<serverId>"). A bare aggregator
// name runs failover across its enabled providers in priority order; a
// qualified name calls that one provider.
//
// Every returned error is an [*Error]. Nothing is cached and no provider
// is retried.
func (r *Router) Dispatch(ctx context.Context, toolName, input string, snap settings.Snapshot) (string, error) {
	family, sub, _ := strings.Cut(toolName, ".")

	if order, ok := aggregators[family]; ok {
		if sub == "" {
			return r.failover(ctx, toolName, order, input, snap)
		}
		if !slices.Contains(order, toolName) {
			return "", &Error{Kind: ToolUnknown, Tool: toolName}
		}
		return r.single(ctx, toolName, toolName, input, Config{ID: toolName}, snap)
	}

	if family == FamilyMCP {
		return r.mcp(ctx, toolName, sub, input, snap)
	}

	if bareFamilies[family] && sub == "" {
		return r.single(ctx, toolName, family, input, Config{ID: family, Browse: snap.Browse()}, snap)
	}

	return "", &Error{Kind: ToolUnknown, Tool: toolName}
}

func (r *Router) single(ctx context.Context, toolName, id, input string, cfg Config, snap settings.Snapshot) (string, error) {
	if !snap.Enabled(id) {
		return "", &Error{Kind: ToolDisabled, Tool: toolName, Provider: id}
	}
	reg, ok := r.registry.lookup(id)
	if !ok {
		return "", &Error{Kind: ConfigMissing, Tool: toolName, Provider: id, Message: "no provider registered"}
	}
	out, err := r.attempt(ctx, toolName, id, reg, input, cfg)
	if err != nil {
		return "", err
	}
	return out, nil
}

func (r *Router) mcp(ctx context.Context, toolName, serverID, input string, snap settings.Snapshot) (string, error) {
	if serverID == "" {
		return "", &Error{Kind: ToolUnknown, Tool: toolName, Message: "mcp tool names need a server id"}
	}
	if !snap.Enabled(FamilyMCP) {
		return "", &Error{Kind: ToolDisabled, Tool: toolName, Provider: FamilyMCP}
	}
	srv, ok := snap.MCPServer(serverID)
	if !ok {
		return "", &Error{Kind: ConfigMissing, Tool: toolName, Provider: toolName, Message: "no MCP server " + serverID}
	}
	reg, ok := r.registry.lookup(FamilyMCP)
	if !ok {
		return "", &Error{Kind: ConfigMissing, Tool: toolName, Provider: FamilyMCP, Message: "no provider registered"}
	}
	cfg := Config{ID: toolName, Endpoint: srv.Endpoint, AuthToken: srv.AuthToken}
	out, err := r.attempt(ctx, toolName, toolName, reg, input, cfg)
	if err != nil {
		return "", err
	}
	return out, nil
}

func (r *Router) failover(ctx context.Context, toolName string, order []string, input string, snap settings.Snapshot) (string, error) {
	var causes []*Error
	enabled := 0

	for _, id := range order {
		if !snap.Enabled(id) {
			continue
		}
		enabled++

		reg, ok := r.registry.lookup(id)
		if !ok {
			causes = append(causes, &Error{Kind: ConfigMissing, Tool: toolName, Provider: id, Message: "no provider registered"})
			continue
		}

		out, err := r.attempt(ctx, toolName, id, reg, input, Config{ID: id})
		if err == nil {
			if len(causes) > 0 {
				r.logger.Info("aggregator recovered after failover",
					"tool", toolName, "provider", id, "failed", len(causes))
			}
			return out, nil
		}
		if err.Kind == Cancelled {
			return "", err
		}
		r.logger.Warn("provider failed, trying next",
			"tool", toolName, "provider", id, "kind", err.Kind.String(), "error", err)
		causes = append(causes, err)
	}

	if enabled == 0 {
		return "", &Error{Kind: ToolDisabled, Tool: toolName, Message: "no enabled provider"}
	}
	return "", &Error{Kind: AllProvidersFailed, Tool: toolName, Causes: causes}
}

type invokeResult struct {
	out string
	err error
}

// attempt runs one provider call under its deadline. The call runs on its
// own goroutine so a provider that ignores ctx cannot hold the turn past
// the deadline; its eventual result is discarded.
func (r *Router) attempt(ctx context.Context, toolName, id string, reg registration, input string, cfg Config) (string, *Error) {
	actx, cancel := context.WithTimeout(ctx, reg.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("provider panicked", "tool", toolName, "provider", id, "panic", p)
				done <- invokeResult{err: &Error{Kind: ProviderError, Message: fmt.Sprintf("provider panicked: %v", p)}}
			}
		}()
		out, err := reg.provider.Invoke(actx, input, cfg)
		done <- invokeResult{out: out, err: err}
	}()

	var res invokeResult
	select {
	case res = <-done:
	case <-actx.Done():
		res = invokeResult{err: actx.Err()}
	}

	elapsed := time.Since(start)
	r.logger.Debug("provider call finished",
		"tool", toolName,
		"provider", id,
		"ok", res.err == nil,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	r.bus.Emit(events.SourceRouter, events.KindProviderAttempt, map[string]any{
		"tool":        toolName,
		"provider":    id,
		"ok":          res.err == nil,
		"duration_ms": elapsed.Milliseconds(),
	})

	if res.err == nil {
		return res.out, nil
	}
	return "", classify(ctx, actx, toolName, id, res.err)
}

// classify maps a provider failure to an [*Error]. Parent cancellation
// wins over the per-call deadline.
func classify(parent, call context.Context, toolName, id string, err error) *Error {
	switch {
	case parent.Err() != nil:
		return &Error{Kind: Cancelled, Tool: toolName, Provider: id, Err: err}
	case errors.Is(call.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: Timeout, Tool: toolName, Provider: id, Err: err}
	}

	var te *Error
	if errors.As(err, &te) {
		// Cancelled and StreamInterrupted describe the turn. A provider
		// reporting them with a live parent has failed; the original is
		// not wrapped so errors.Is cannot mistake it for a turn error.
		if te.Kind == Cancelled || te.Kind == StreamInterrupted {
			msg := te.Kind.String()
			if te.Message != "" {
				msg += ": " + te.Message
			}
			return &Error{Kind: ProviderError, Tool: toolName, Provider: id, Message: msg}
		}
		out := *te
		if out.Tool == "" {
			out.Tool = toolName
		}
		if out.Provider == "" {
			out.Provider = id
		}
		return &out
	}
	return &Error{Kind: ProviderError, Tool: toolName, Provider: id, Message: err.Error(), Err: err}
}
