// Chatcore executes chat turns: it consumes a recorded model event
// stream, dispatches the tool calls it contains through the configured
// capability providers, and prints the resulting assistant message.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	chatcore replay <events.jsonl|->      Execute one turn from a recorded stream
//	chatcore dispatch <tool> [input...]   Invoke a single tool
//	chatcore providers [-check]           List providers and optionally probe them
//	chatcore memory list                  Show the session's remembered entries
//	chatcore memory migrate <file>        Import a legacy memory file
//	chatcore init [dir]                   Write a starter config.yaml
//	chatcore version                      Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/chatcore/internal/buildinfo"
	"github.com/nugget/chatcore/internal/config"
	"github.com/nugget/chatcore/internal/tools"
)

// main only builds the OS-level environment and hands off to [run], so
// the whole command can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

// options are the global flags.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
	sessionID  string
}

// run is the real entry point. Command output goes to stdout and logs
// go to stderr. Arguments are parsed by hand so tests can call run
// concurrently without touching flag.CommandLine.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-session" && i+1 < len(args):
			opts.sessionID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-session="):
			opts.sessionID = strings.TrimPrefix(args[i], "-session=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}
	if opts.sessionID == "" {
		opts.sessionID = tools.DefaultSessionID
	}

	switch command {
	case "replay":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: chatcore replay <events.jsonl|->")
		}
		return withApp(ctx, stderr, opts, func(a *app) error {
			return a.replay(ctx, stdin, stdout, cmdArgs[0])
		})
	case "dispatch":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: chatcore dispatch <tool> [input...]")
		}
		return withApp(ctx, stderr, opts, func(a *app) error {
			return a.dispatch(ctx, stdout, cmdArgs[0], strings.Join(cmdArgs[1:], " "))
		})
	case "providers":
		check := len(cmdArgs) > 0 && (cmdArgs[0] == "-check" || cmdArgs[0] == "--check")
		return withApp(ctx, stderr, opts, func(a *app) error {
			return a.providers(ctx, stdout, check)
		})
	case "memory":
		return runMemory(ctx, stdout, stderr, opts, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runMemory(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: chatcore memory <list|migrate <file>>")
	}
	switch args[0] {
	case "list":
		return withApp(ctx, stderr, opts, func(a *app) error {
			return a.memoryList(ctx, stdout)
		})
	case "migrate":
		if len(args) != 2 {
			return fmt.Errorf("usage: chatcore memory migrate <file>")
		}
		return withApp(ctx, stderr, opts, func(a *app) error {
			return a.memoryMigrate(ctx, stdout, args[1])
		})
	default:
		return fmt.Errorf("unknown memory command: %s", args[0])
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "chatcore - chat turn executor")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: chatcore [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  replay <file|->         Execute a turn from a JSONL event stream")
	fmt.Fprintln(w, "  dispatch <tool> [input] Invoke one tool through the router")
	fmt.Fprintln(w, "  providers [-check]      List capability providers (and probe them)")
	fmt.Fprintln(w, "  memory list             Show remembered entries for the session")
	fmt.Fprintln(w, "  memory migrate <file>   Import a legacy memory file into the session")
	fmt.Fprintln(w, "  init [dir]              Write a starter config.yaml (default: .)")
	fmt.Fprintln(w, "  version                 Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -session <id>     Session id (default: default)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig locates and parses the YAML configuration file. When no
// file is found and none was requested, the defaults are used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit == "" {
			return config.Default(), "", nil
		}
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
