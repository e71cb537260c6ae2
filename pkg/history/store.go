package history

import (
	"sync"
	"time"
)

// Store is an append-only in-memory conversation log. Ids increase
// monotonically for the life of the Store, including across Clear.
type Store struct {
	mu       sync.RWMutex
	messages []Message
	nextID   int64
	now      func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{nextID: 1, now: time.Now}
}

// Append records a message and returns it with its assigned id. A zero
// duration is omitted; durations are only meaningful on assistant messages.
func (s *Store) Append(kind Kind, content string, duration time.Duration) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := Message{
		ID:        s.nextID,
		Kind:      kind,
		Content:   content,
		Timestamp: s.now(),
	}
	if kind == KindAssistant && duration > 0 {
		msg.DurationMs = duration.Milliseconds()
	}
	s.nextID++
	s.messages = append(s.messages, msg)
	return msg
}

// Messages returns a copy of the log in append order.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Clear empties the log. Ids keep counting from where they were.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

// Restore replaces the log with persisted messages. Stream messages are
// dropped and the next id continues after the largest restored id.
func (s *Store) Restore(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Kind.Persisted() {
			continue
		}
		s.messages = append(s.messages, m)
		if m.ID >= s.nextID {
			s.nextID = m.ID + 1
		}
	}
}
