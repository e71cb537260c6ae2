package session

import (
	"sync"
	"time"

	"github.com/harun/parley/pkg/history"
)

// EventType tags the variant carried by an Event.
type EventType string

const (
	// EventMessage carries every message of every kind, stream chunks included.
	EventMessage EventType = "message"
	// EventMessageSent fires when a prompt starts executing.
	EventMessageSent EventType = "message-sent"
	// EventMessageReceived fires when the assistant reply is committed.
	EventMessageReceived EventType = "message-received"
	// EventStreamChunk carries one transient chunk of an assistant reply.
	EventStreamChunk EventType = "stream-chunk"
	// EventSessionStarted fires once, when the provider assigns a conversation id.
	EventSessionStarted EventType = "session-started"
	// EventStatus fires on every idle/processing transition.
	EventStatus EventType = "status"
	// EventError fires when a prompt fails.
	EventError EventType = "error"
)

// Status is the processing state of a session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
)

// Event is published to every subscriber of a session.
type Event struct {
	Type           EventType        `json:"type"`
	SessionID      string           `json:"sessionId"`
	AgentName      string           `json:"agentName,omitempty"`
	Message        *history.Message `json:"message,omitempty"`
	ConversationID string           `json:"conversationId,omitempty"`
	Status         Status           `json:"status,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

const defaultEventBuffer = 64

// subscriber owns an unbounded mailbox drained by its own goroutine, so a
// slow reader only delays itself.
type subscriber struct {
	out    chan Event
	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	done   chan struct{}
	closed bool

	stopOnce sync.Once
}

func newSubscriber(buffer int) *subscriber {
	s := &subscriber{
		out:  make(chan Event, buffer),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.out)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.wake:
			case <-s.done:
			}
			continue
		}
		e := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}

// stop ends delivery immediately; queued events are dropped.
func (s *subscriber) stop() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.done) })
}

// drain lets queued events reach the reader, then closes the channel.
func (s *subscriber) drain() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// eventHub fans events out to subscribers in registration order.
type eventHub struct {
	mu     sync.Mutex
	subs   []*subscriber
	closed bool
}

func (h *eventHub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	sub := newSubscriber(buffer)
	h.subs = append(h.subs, sub)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			for i, s := range h.subs {
				if s == sub {
					h.subs = append(h.subs[:i], h.subs[i+1:]...)
					break
				}
			}
			h.mu.Unlock()
			sub.stop()
		})
	}
	return sub.out, cancel
}

func (h *eventHub) publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		sub.push(e)
	}
}

// close delivers what is queued and closes every subscription.
func (h *eventHub) close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.closed = true
	h.mu.Unlock()

	for _, sub := range subs {
		sub.drain()
	}
}
