package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/chatcore/internal/tools"
)

// ErrNoResults is returned when a backend answered with an empty page,
// so the router moves on to the next search provider.
var ErrNoResults = errors.New("no results")

// Adapter exposes a search [Provider] as a tools.Provider. The tool
// input is the query.
type Adapter struct {
	p    Provider
	opts Options
}

// NewAdapter wraps p.
func NewAdapter(p Provider, opts Options) *Adapter {
	return &Adapter{p: p, opts: opts}
}

// Invoke implements tools.Provider.
func (a *Adapter) Invoke(ctx context.Context, input string, _ tools.Config) (string, error) {
	query := strings.TrimSpace(input)
	if query == "" {
		return "", fmt.Errorf("%s: query is required", a.p.Name())
	}
	results, err := a.p.Search(ctx, query, a.opts)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", fmt.Errorf("%s: %w for %q", a.p.Name(), ErrNoResults, query)
	}
	return FormatResults(results), nil
}

// Ping forwards to the backend when it can be pinged.
func (a *Adapter) Ping(ctx context.Context) error {
	if p, ok := a.p.(tools.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
