package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ShellExec is the provider behind the "local" family: it runs the input
// as a shell command on the host. Whether it may run at all is decided by
// the snapshot; this type only enforces the command policy.
type ShellExec struct {
	workingDir     string
	allowedCmds    []string
	deniedCmds     []string
	maxOutputBytes int
}

// ShellExecConfig configures the local command policy.
type ShellExecConfig struct {
	WorkingDir string
	// AllowedCmds limits commands to these prefixes. Empty allows any
	// command that is not denied.
	AllowedCmds []string
	// DeniedCmds are case-insensitive substrings that block a command.
	DeniedCmds     []string
	MaxOutputBytes int
}

// DefaultShellExecConfig returns the default deny list.
func DefaultShellExecConfig() ShellExecConfig {
	return ShellExecConfig{
		DeniedCmds: []string{
			"rm -rf /",
			"rm -rf /*",
			"mkfs",
			"dd if=",
			"> /dev/sd",
			"chmod -R 777 /",
			":(){ :|:& };:",
		},
		MaxOutputBytes: 100 * 1024,
	}
}

// NewShellExec creates a local command provider.
func NewShellExec(cfg ShellExecConfig) *ShellExec {
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = 100 * 1024
	}
	return &ShellExec{
		workingDir:     cfg.WorkingDir,
		allowedCmds:    cfg.AllowedCmds,
		deniedCmds:     cfg.DeniedCmds,
		maxOutputBytes: cfg.MaxOutputBytes,
	}
}

// Invoke runs input via sh -c. A non-zero exit is an error carrying the
// exit code and stderr; otherwise stdout is returned (with stderr
// appended when present).
func (s *ShellExec) Invoke(ctx context.Context, input string, _ Config) (string, error) {
	command := strings.TrimSpace(input)
	if command == "" {
		return "", fmt.Errorf("empty command")
	}
	if err := s.check(command); err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if s.workingDir != "" {
		cmd.Dir = s.workingDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}

	out := truncateOutput(stdout.String(), s.maxOutputBytes)
	errOut := truncateOutput(stderr.String(), s.maxOutputBytes)

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("exit status %d: %s", exitErr.ExitCode(), strings.TrimSpace(errOut))
		}
		return "", fmt.Errorf("run command: %w", err)
	}

	if errOut != "" {
		out += "\n[stderr]\n" + errOut
	}
	return out, nil
}

func (s *ShellExec) check(command string) error {
	lower := strings.ToLower(command)
	for _, denied := range s.deniedCmds {
		if strings.Contains(lower, strings.ToLower(denied)) {
			return fmt.Errorf("command blocked by policy: matches denied pattern %q", denied)
		}
	}
	if len(s.allowedCmds) == 0 {
		return nil
	}
	for _, prefix := range s.allowedCmds {
		if strings.HasPrefix(command, prefix) {
			return nil
		}
	}
	return fmt.Errorf("command not in allowlist")
}

func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n\n[... output truncated ...]"
}
