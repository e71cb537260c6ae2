package chat

import "time"

// Message is one entry of the shared chat log.
type Message struct {
	ID        int64     `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Broadcast reports whether the message has no recipient.
func (m Message) Broadcast() bool {
	return m.To == ""
}

// visibleTo reports whether agent should see m: broadcasts, messages
// addressed to it and messages it sent. Agent names match exactly, as they
// do for delivery.
func (m Message) visibleTo(agent string) bool {
	if agent == "" || m.Broadcast() {
		return true
	}
	return m.To == agent || m.From == agent
}

// logFile is the on-disk shape of the chat log.
type logFile struct {
	Messages      []Message `json:"messages"`
	LastMessageID int64     `json:"lastMessageId"`
	LastUpdated   time.Time `json:"lastUpdated"`
}
