package conversation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role is the author of a message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is the value one turn produces. It is built once and not
// mutated after the executor returns it.
type Message struct {
	ID        uuid.UUID
	Content   string
	Role      Role
	Steps     []Step
	ImageRefs []string
	Timestamp time.Time
}

// NewMessage allocates a message with a fresh time-ordered ID.
func NewMessage(role Role, ts time.Time) *Message {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Message{ID: id, Role: role, Timestamp: ts}
}

// Validate checks every step of a finished message.
func (m *Message) Validate() error {
	for i, s := range m.Steps {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

type messageJSON struct {
	ID        string   `json:"id"`
	Content   string   `json:"content"`
	Role      Role     `json:"role"`
	Steps     []Step   `json:"steps,omitempty"`
	ImageRefs []string `json:"imageRefs,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// MarshalJSON implements [json.Marshaler].
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageJSON{
		ID:        m.ID.String(),
		Content:   m.Content,
		Role:      m.Role,
		Steps:     m.Steps,
		ImageRefs: m.ImageRefs,
		Timestamp: m.Timestamp.UnixMilli(),
	})
}

// UnmarshalJSON implements [json.Unmarshaler].
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	id, err := uuid.Parse(w.ID)
	if err != nil {
		return fmt.Errorf("message id: %w", err)
	}
	*m = Message{
		ID:        id,
		Content:   w.Content,
		Role:      w.Role,
		Steps:     w.Steps,
		ImageRefs: w.ImageRefs,
		Timestamp: time.UnixMilli(w.Timestamp),
	}
	return nil
}
