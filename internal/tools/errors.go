package tools

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a dispatch or turn failure.
type ErrorKind int

const (
	// ProviderError is a failure reported by the provider itself.
	ProviderError ErrorKind = iota
	// ToolUnknown means the tool name matches no family or provider.
	ToolUnknown
	// ToolDisabled means the snapshot disables the provider (or every
	// provider of an aggregator family). No call is attempted.
	ToolDisabled
	// ConfigMissing means the tool is known but has nothing to call: an
	// MCP server id absent from the snapshot, or no adapter registered.
	ConfigMissing
	// AllProvidersFailed means every enabled provider of an aggregator
	// family failed. [Error.Causes] lists them in priority order.
	AllProvidersFailed
	// Timeout means a provider exceeded its per-call deadline.
	Timeout
	// Cancelled means the caller's context ended.
	Cancelled
	// StreamInterrupted means the model event stream failed mid-turn.
	StreamInterrupted
)

var kindNames = map[ErrorKind]string{
	ProviderError:      "provider error",
	ToolUnknown:        "unknown tool",
	ToolDisabled:       "tool disabled",
	ConfigMissing:      "config missing",
	AllProvidersFailed: "all providers failed",
	Timeout:            "timeout",
	Cancelled:          "cancelled",
	StreamInterrupted:  "interrupted",
}

// String returns a short lowercase name.
func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("error kind %d", int(k))
}

// Error is the error type returned by [Router.Dispatch].
type Error struct {
	Kind ErrorKind
	// Tool is the requested tool name.
	Tool string
	// Provider is the provider identifier the error belongs to, if any.
	Provider string
	// Message is a human-readable detail.
	Message string
	// Causes holds one error per attempted provider for AllProvidersFailed.
	Causes []*Error
	// Err is the underlying error, if any.
	Err error
}

// Sentinels for errors.Is; matching compares Kind only.
var (
	ErrProvider           = &Error{Kind: ProviderError}
	ErrToolUnknown        = &Error{Kind: ToolUnknown}
	ErrToolDisabled       = &Error{Kind: ToolDisabled}
	ErrConfigMissing      = &Error{Kind: ConfigMissing}
	ErrAllProvidersFailed = &Error{Kind: AllProvidersFailed}
	ErrTimeout            = &Error{Kind: Timeout}
	ErrCancelled          = &Error{Kind: Cancelled}
	ErrStreamInterrupted  = &Error{Kind: StreamInterrupted}
)

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	} else if e.Tool != "" {
		b.WriteString(e.Tool)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Causes) > 0 {
		parts := make([]string, len(e.Causes))
		for i, c := range e.Causes {
			parts[i] = c.Error()
		}
		b.WriteString(" [")
		b.WriteString(strings.Join(parts, "; "))
		b.WriteString("]")
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
