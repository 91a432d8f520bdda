package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// UnmarshalJSON rejects roles outside the closed set.
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode role: %w", err)
	}
	role := Role(s)
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", s)
	}
	*r = role
	return nil
}

// DecodeMessages decodes each element on its own. Elements that fail to decode are
// skipped and their errors returned, so one bad message does not drop its siblings.
func DecodeMessages(raws []json.RawMessage) ([]Message, []error) {
	msgs := make([]Message, 0, len(raws))
	var errs []error
	for i, raw := range raws {
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			errs = append(errs, fmt.Errorf("message %d: %w", i, err))
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, errs
}

// Conversation is a chat session keyed by a client-generated id.
type Conversation struct {
	ID        string    `json:"conversationid"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationSummary is one entry of the user's conversation history.
type ConversationSummary struct {
	ID        string    `json:"conversationid"`
	Timestamp Timestamp `json:"timestamp"`
}

// Message represents a single chat message within a conversation.
type Message struct {
	ID         string    `json:"id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Audio      string    `json:"audio,omitempty"` // base64 payload, see audio.Encode
	CreateTime Timestamp `json:"create_time"`

	// Local state, never sent over the wire.
	DisplayContent string `json:"-"`
	Failed         bool   `json:"-"`
}

// HasAudio reports whether the message carries an encoded audio payload.
func (m Message) HasAudio() bool {
	return m.Audio != ""
}

// User is the authenticated identity supplied by the auth collaborator.
type User struct {
	UserID   string `json:"userid"`
	Username string `json:"username,omitempty"`
	Token    string `json:"token"`
}

// serverTimeLayout is the zone-less ISO format the API emits (Python isoformat of a UTC time).
const serverTimeLayout = "2006-01-02T15:04:05.999999"

// Timestamp is a time that tolerates the server's zone-less ISO format.
// It always encodes as RFC 3339 in UTC.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t, normalized to UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

// MarshalJSON encodes the timestamp as RFC 3339.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON accepts RFC 3339, the zone-less server form, or an empty string.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode timestamp: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTimestamp parses s as RFC 3339 or as a zone-less UTC ISO time.
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}, nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return NewTimestamp(parsed), nil
	}
	parsed, err := time.ParseInLocation(serverTimeLayout, s, time.UTC)
	if err != nil {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return NewTimestamp(parsed), nil
}
