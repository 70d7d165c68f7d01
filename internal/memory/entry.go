// Package memory keeps per-session key/value notes in SQLite and
// migrates the legacy one-note-per-line format into them.
package memory

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxKeyRunes is the longest key a note may carry.
const MaxKeyRunes = 60

// Entry is one remembered note. An empty Key means the note is keyless.
type Entry struct {
	ID        uuid.UUID `json:"id"`
	Key       string    `json:"key,omitempty"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasKey reports whether e is keyed.
func (e Entry) HasKey() bool { return e.Key != "" }

// String renders e the way the legacy format wrote it.
func (e Entry) String() string {
	if e.HasKey() {
		return e.Key + ": " + e.Value
	}
	return e.Value
}

// Normalize converts legacy lines into entries. A non-empty existing
// set is authoritative and returned unchanged, so the conversion runs at
// most once per store. Entries come back in line order without IDs or
// timestamps; the store assigns those.
func Normalize(legacy []string, existing []Entry) []Entry {
	if len(existing) > 0 {
		return existing
	}
	if len(legacy) == 0 {
		return nil
	}
	out := make([]Entry, 0, len(legacy))
	for _, line := range legacy {
		key, value := ParseLine(line)
		out = append(out, Entry{Key: key, Value: value})
	}
	return out
}

// ParseLine splits a "key: value" line. The first ':' must be preceded
// by 1 to 60 characters and both sides must be non-blank after
// trimming; otherwise the whole trimmed line is returned as a keyless
// value.
func ParseLine(line string) (key, value string) {
	trimmed := strings.TrimSpace(line)
	i := strings.IndexByte(trimmed, ':')
	if i < 0 {
		return "", trimmed
	}
	if n := utf8.RuneCountInString(trimmed[:i]); n < 1 || n > MaxKeyRunes {
		return "", trimmed
	}
	key = truncateRunes(strings.TrimSpace(trimmed[:i]), MaxKeyRunes)
	value = strings.TrimSpace(trimmed[i+1:])
	if key == "" || value == "" {
		return "", trimmed
	}
	return key, value
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
