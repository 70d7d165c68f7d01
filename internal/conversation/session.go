package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Session is an append-only list of messages.
type Session struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Folder       string    `json:"folder,omitempty"`
	Messages     []Message `json:"messages"`
	LastModified time.Time `json:"lastModified"`
}

// NewSession creates an empty session.
func NewSession(title string, now time.Time) *Session {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Session{ID: id.String(), Title: title, LastModified: now}
}

// Append adds msg. LastModified never moves backwards, even when the
// message timestamp or the supplied clock does.
func (s *Session) Append(msg Message, now time.Time) {
	s.Messages = append(s.Messages, msg)
	for _, t := range []time.Time{msg.Timestamp, now} {
		if t.After(s.LastModified) {
			s.LastModified = t
		}
	}
}
