package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/nugget/chatcore/internal/conversation"
	"github.com/nugget/chatcore/internal/memory"
	"github.com/nugget/chatcore/internal/settings"
	"github.com/nugget/chatcore/internal/tools"
	"github.com/nugget/chatcore/internal/turn"
)

// replay executes one turn from a JSONL event stream and prints the
// message. An interrupted or cancelled turn still prints the partial
// message before the error is returned.
func (a *app) replay(ctx context.Context, stdin io.Reader, stdout io.Writer, path string) error {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open event stream: %w", err)
		}
		defer f.Close()
		r = f
	}

	msg, err := a.executor.Execute(ctx, turn.Context{SessionID: a.opts.sessionID}, turn.DecodeJSONL(r), a.snapshot)
	if errors.Is(err, turn.ErrTurnInProgress) {
		return err
	}
	if perr := a.printMessage(stdout, msg); perr != nil {
		return perr
	}
	if err != nil {
		return fmt.Errorf("turn ended early: %w", err)
	}
	return nil
}

func (a *app) printMessage(w io.Writer, msg *conversation.Message) error {
	if a.opts.outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		return enc.Encode(msg)
	}
	for _, s := range msg.Steps {
		switch s.Kind {
		case conversation.KindThinking:
			fmt.Fprintf(w, "thinking: %s", s.Content)
			if s.Error != "" {
				fmt.Fprintf(w, " [%s]", s.Error)
			}
			fmt.Fprintln(w)
		case conversation.KindToolCall:
			fmt.Fprintf(w, "tool %s(%q)", s.ToolName(), s.Tool.Input)
			if out, ok := s.Output(); ok {
				fmt.Fprintf(w, " -> %s\n", indent(out))
			} else {
				fmt.Fprintf(w, " failed: %s\n", s.Error)
			}
		}
	}
	if msg.Content != "" {
		fmt.Fprintf(w, "\n%s\n", msg.Content)
	}
	return nil
}

// dispatch invokes a single tool outside of a turn.
func (a *app) dispatch(ctx context.Context, stdout io.Writer, tool, input string) error {
	ctx = tools.WithSessionID(ctx, a.opts.sessionID)
	out, err := a.router.Dispatch(ctx, tool, input, a.snapshot)
	if a.opts.outputFmt == "json" {
		res := map[string]string{"tool": tool, "output": out}
		if err != nil {
			res["error"] = err.Error()
		}
		enc := json.NewEncoder(stdout)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(res); encErr != nil {
			return encErr
		}
		return err
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, out)
	return nil
}

type providerRow struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Registered bool   `json:"registered"`
	Check      string `json:"check,omitempty"`
}

// providers lists every provider in the snapshot plus the configured
// MCP servers. With check, registered providers are probed.
func (a *app) providers(ctx context.Context, stdout io.Writer, check bool) error {
	registered := a.registry.IDs()

	var probes map[string]error
	if check {
		probes = a.registry.Probe(ctx, 10*time.Second)
	}

	var rows []providerRow
	for _, id := range a.snapshot.Providers() {
		st, _ := a.snapshot.Status(id)
		row := providerRow{ID: id, Status: st.String(), Registered: slices.Contains(registered, id)}
		if check {
			row.Check = checkResult(probes, id, row.Registered)
		}
		rows = append(rows, row)
	}
	for _, srv := range a.snapshot.MCPServers() {
		rows = append(rows, providerRow{
			ID:         settings.MCP + "." + srv.ID,
			Status:     "server",
			Registered: slices.Contains(registered, settings.MCP),
		})
	}

	if a.opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	for _, r := range rows {
		line := fmt.Sprintf("%-18s %-9s", r.ID, r.Status)
		if !r.Registered {
			line += " unregistered"
		}
		if r.Check != "" {
			line += " " + r.Check
		}
		fmt.Fprintln(stdout, strings.TrimRight(line, " "))
	}
	return nil
}

func checkResult(probes map[string]error, id string, registered bool) string {
	if !registered {
		return ""
	}
	err, ok := probes[id]
	switch {
	case !ok:
		return "-"
	case err != nil:
		return "error: " + err.Error()
	default:
		return "ok"
	}
}

func (a *app) memoryList(ctx context.Context, stdout io.Writer) error {
	entries, err := a.memory.List(ctx, a.opts.sessionID)
	if err != nil {
		return err
	}
	if a.opts.outputFmt == "json" {
		type entryJSON struct {
			ID        string    `json:"id"`
			Key       string    `json:"key,omitempty"`
			Value     string    `json:"value"`
			UpdatedAt time.Time `json:"updated_at"`
		}
		out := make([]entryJSON, len(entries))
		for i, e := range entries {
			out[i] = entryJSON{ID: e.ID.String(), Key: e.Key, Value: e.Value, UpdatedAt: e.UpdatedAt}
		}
		enc := json.NewEncoder(stdout)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	for _, e := range entries {
		fmt.Fprintln(stdout, e.String())
	}
	return nil
}

func (a *app) memoryMigrate(ctx context.Context, stdout io.Writer, path string) error {
	lines, err := memory.ReadLegacyFile(path)
	if err != nil {
		return err
	}
	n, err := a.memory.MigrateLegacy(ctx, a.opts.sessionID, lines)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintf(stdout, "nothing imported into session %s\n", a.opts.sessionID)
		return nil
	}
	fmt.Fprintf(stdout, "imported %d entries into session %s\n", n, a.opts.sessionID)
	return nil
}

func indent(s string) string {
	return strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n    ")
}
