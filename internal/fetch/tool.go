package fetch

import (
	"context"
	"strings"

	"github.com/nugget/chatcore/internal/tools"
)

// Invoke implements tools.Provider for the browse family. The input is
// the URL; the browse lists come from the dispatch config.
func (f *Fetcher) Invoke(ctx context.Context, input string, cfg tools.Config) (string, error) {
	res, err := f.Fetch(ctx, input, cfg.Browse)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if res.Title != "" {
		b.WriteString("Title: ")
		b.WriteString(res.Title)
		b.WriteString("\n\n")
	}
	b.WriteString(res.Content)
	if res.Truncated {
		b.WriteString("\n\n[... truncated ...]")
	}
	return b.String(), nil
}
