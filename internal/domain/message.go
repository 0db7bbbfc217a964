package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role identifies the author of a transcript message.
type Role string

const (
	// RoleSystem carries persona and instructions for the model.
	RoleSystem Role = "system"
	// RoleUser is the person being interviewed.
	RoleUser Role = "user"
	// RoleAssistant is the biographer.
	RoleAssistant Role = "assistant"
)

// ErrTranscriptInvariant is returned when a transcript would not start with a system message.
var ErrTranscriptInvariant = errors.New("transcript must start with a system message")

// ParseRole validates a role name. Surrounding whitespace is ignored.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.TrimSpace(s)) {
	case RoleSystem:
		return RoleSystem, true
	case RoleUser:
		return RoleUser, true
	case RoleAssistant:
		return RoleAssistant, true
	default:
		return "", false
	}
}

func (r Role) String() string { return string(r) }

// UnmarshalJSON rejects roles outside the closed set.
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	role, ok := ParseRole(s)
	if !ok {
		return fmt.Errorf("unknown role %q", s)
	}
	*r = role
	return nil
}

// Message is a single role-tagged entry in a transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Transcript is the ordered prompt history sent to the completion service.
// The zero value is an empty transcript.
type Transcript struct {
	messages []Message
}

// NewTranscript starts a transcript with the given system prompt followed by rest.
func NewTranscript(systemPrompt string, rest ...Message) Transcript {
	msgs := make([]Message, 0, len(rest)+1)
	msgs = append(msgs, Message{Role: RoleSystem, Content: systemPrompt})
	msgs = append(msgs, rest...)
	return Transcript{messages: msgs}
}

// Len returns the number of messages.
func (t Transcript) Len() int { return len(t.messages) }

// IsEmpty reports whether the transcript has no messages.
func (t Transcript) IsEmpty() bool { return len(t.messages) == 0 }

// Messages returns a copy of the messages in order.
func (t Transcript) Messages() []Message {
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Conversation returns the user and assistant messages only.
func (t Transcript) Conversation() []Message {
	out := make([]Message, 0, len(t.messages))
	for _, m := range t.messages {
		if m.Role == RoleUser || m.Role == RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}

// With returns a new transcript with msgs appended. The receiver is not modified.
func (t Transcript) With(msgs ...Message) (Transcript, error) {
	if len(t.messages) == 0 && len(msgs) > 0 && msgs[0].Role != RoleSystem {
		return Transcript{}, ErrTranscriptInvariant
	}
	out := make([]Message, 0, len(t.messages)+len(msgs))
	out = append(out, t.messages...)
	out = append(out, msgs...)
	return Transcript{messages: out}, nil
}

// MarshalJSON encodes the transcript as a message array.
func (t Transcript) MarshalJSON() ([]byte, error) {
	if t.messages == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t.messages)
}

// UnmarshalJSON decodes a message array and checks the system-first invariant.
func (t *Transcript) UnmarshalJSON(data []byte) error {
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return err
	}
	if len(msgs) > 0 && msgs[0].Role != RoleSystem {
		return ErrTranscriptInvariant
	}
	t.messages = msgs
	return nil
}
