package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/chatcore/internal/settings"
	"github.com/nugget/chatcore/internal/tools"
)

// Call is the JSON input of an mcp.<serverId> dispatch. An empty Tool
// lists the server's tools instead of calling one.
type Call struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Provider serves every mcp.<serverId> tool. The router passes the
// server's endpoint and token in tools.Config.
type Provider struct {
	logger  *slog.Logger
	client  *http.Client
	servers []settings.MCPServer
}

// NewProvider returns the MCP family provider. servers are only used by
// Ping; dispatch always takes the server from the snapshot.
func NewProvider(logger *slog.Logger, servers []settings.MCPServer) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{logger: logger, servers: servers}
}

// WithHTTPClient makes every transport use c.
func (p *Provider) WithHTTPClient(c *http.Client) *Provider {
	p.client = c
	return p
}

func (p *Provider) connect(ctx context.Context, id, endpoint, token string) (*Client, error) {
	if endpoint == "" {
		return nil, &tools.Error{Kind: tools.ConfigMissing, Message: "no endpoint for " + id}
	}
	tr := NewHTTPTransport(HTTPConfig{
		URL:       endpoint,
		AuthToken: token,
		Client:    p.client,
		Logger:    p.logger,
	})
	c := NewClient(id, tr, p.logger)
	if err := c.Initialize(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Invoke implements tools.Provider.
func (p *Provider) Invoke(ctx context.Context, input string, cfg tools.Config) (string, error) {
	var call Call
	if s := strings.TrimSpace(input); s != "" {
		if err := json.Unmarshal([]byte(s), &call); err != nil {
			return "", fmt.Errorf("invalid MCP call (want {\"tool\":...,\"arguments\":{...}}): %w", err)
		}
	}

	c, err := p.connect(ctx, cfg.ID, cfg.Endpoint, cfg.AuthToken)
	if err != nil {
		return "", err
	}
	defer c.Close()

	if call.Tool == "" {
		defs, err := c.ListTools(ctx)
		if err != nil {
			return "", err
		}
		return formatTools(defs), nil
	}
	return c.CallTool(ctx, call.Tool, call.Arguments)
}

// Ping initializes and pings every configured server.
func (p *Provider) Ping(ctx context.Context) error {
	var errs []error
	for _, srv := range p.servers {
		id := settings.MCP + "." + srv.ID
		c, err := p.connect(ctx, id, srv.Endpoint, srv.AuthToken)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
		c.Close()
	}
	return errors.Join(errs...)
}

func formatTools(defs []ToolDefinition) string {
	if len(defs) == 0 {
		return "no tools"
	}
	var b strings.Builder
	for i, d := range defs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(d.Name)
		if d.Description != "" {
			b.WriteString(": ")
			b.WriteString(d.Description)
		}
	}
	return b.String()
}
