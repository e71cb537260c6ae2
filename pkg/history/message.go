// Package history holds the per-agent conversation log and its durable file.
package history

import "time"

// Kind classifies a message in a conversation log.
type Kind string

const (
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindStream    Kind = "stream"
	KindSystem    Kind = "system"
	KindError     Kind = "error"
)

// Message is one immutable entry of a conversation log. Stream messages are
// only ever published as events; they are never appended to a Store.
type Message struct {
	ID         int64     `json:"id"`
	Kind       Kind      `json:"type"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"durationMs,omitempty"`
}

// Persisted reports whether messages of this kind belong in a history file.
func (k Kind) Persisted() bool {
	return k != KindStream
}
