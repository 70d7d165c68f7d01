package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/chatcore/internal/tools"
)

// Tool is the provider behind the "memory" family. Input "key: value"
// (or a bare value) is remembered for the dispatching session; an empty
// input lists what the session remembers.
type Tool struct {
	store *Store
}

// NewTool returns a memory provider backed by store.
func NewTool(store *Store) *Tool {
	return &Tool{store: store}
}

// Invoke implements tools.Provider.
func (t *Tool) Invoke(ctx context.Context, input string, _ tools.Config) (string, error) {
	sessionID := tools.SessionIDFromContext(ctx)

	if strings.TrimSpace(input) == "" {
		entries, err := t.store.List(ctx, sessionID)
		if err != nil {
			return "", err
		}
		if len(entries) == 0 {
			return "nothing remembered yet", nil
		}
		lines := make([]string, len(entries))
		for i, e := range entries {
			lines[i] = e.String()
		}
		return strings.Join(lines, "\n"), nil
	}

	key, value := ParseLine(input)
	e, err := t.store.Upsert(ctx, sessionID, key, value)
	if err != nil {
		return "", err
	}
	if e.HasKey() {
		return fmt.Sprintf("remembered %s", e.Key), nil
	}
	return "remembered", nil
}

// Ping checks the database.
func (t *Tool) Ping(ctx context.Context) error {
	return t.store.db.PingContext(ctx)
}
