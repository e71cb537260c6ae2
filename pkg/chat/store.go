package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrEmptyContent is returned when a message has no content.
	ErrEmptyContent = errors.New("message content cannot be empty")
	// ErrEmptySender is returned when a message has no sender.
	ErrEmptySender = errors.New("message sender cannot be empty")
	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("chat store closed")
)

const defaultSubscriberBuffer = 128

// StoreConfig configures a Store.
type StoreConfig struct {
	Path   string
	Logger *zerolog.Logger
}

// Store is the durable chat log shared between processes. The file is the
// source of truth: every read and append reloads it first, and every append
// rewrites it whole.
type Store struct {
	path   string
	logger zerolog.Logger

	mu       sync.Mutex
	messages []Message
	lastID   int64
	seenID   int64     // highest id already published to subscribers
	unsaved  []Message // appended while the file could not be written
	opened   bool
	closed   bool

	subMu sync.Mutex
	subs  []chan Message
}

// NewStore creates a store for the log at cfg.Path. Call Open before use.
func NewStore(cfg StoreConfig) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("chat log path is required")
	}
	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	return &Store{
		path:   cfg.Path,
		logger: base.With().Str("component", "chat_store").Logger(),
	}, nil
}

// Path returns the chat log file.
func (s *Store) Path() string {
	return s.path
}

// Open loads the log. A missing or unreadable file yields an empty log; the
// failure is logged, not returned.
func (s *Store) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if s.opened {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create chat directory: %w", err)
	}

	if err := s.reloadLocked(); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("Chat log unreadable, starting empty")
	}
	s.seenID = s.lastID
	s.opened = true

	s.logger.Info().
		Str("path", s.path).
		Int("messages", len(s.messages)).
		Int64("lastMessageId", s.lastID).
		Msg("Chat log opened")
	return nil
}

// Close ends every subscription. The log file is left as is.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.subMu.Lock()
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.subMu.Unlock()
	return nil
}

// Append stores a new message with the next id. A failed write is logged
// and the message is kept in memory; it is written with the next successful
// append.
func (s *Store) Append(from, to, content string) (Message, error) {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" {
		return Message{}, ErrEmptySender
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}

	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return Message{}, err
	}

	if err := s.reloadLocked(); err != nil {
		s.logger.Warn().Err(err).Msg("Chat log reload failed, using memory")
	}

	msg := Message{
		ID:        s.lastID + 1,
		From:      from,
		To:        to,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	s.messages = append(s.messages, msg)
	s.lastID = msg.ID

	if err := s.writeLocked(); err != nil {
		s.unsaved = append(s.unsaved, msg)
		s.logger.Error().Err(err).Int64("messageId", msg.ID).Msg("Failed to write chat log")
	} else {
		s.unsaved = nil
	}
	fresh := s.takeFreshLocked()
	s.mu.Unlock()

	s.publish(fresh)
	return msg, nil
}

// Messages returns the messages visible to forAgent (all when empty), oldest
// first, limited to the most recent limit (all when limit <= 0).
func (s *Store) Messages(limit int, forAgent string) ([]Message, error) {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := s.reloadLocked(); err != nil {
		s.logger.Warn().Err(err).Msg("Chat log reload failed, using memory")
	}

	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		if m.visibleTo(forAgent) {
			out = append(out, m)
		}
	}
	fresh := s.takeFreshLocked()
	s.mu.Unlock()

	s.publish(fresh)

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Get returns the message with the given id.
func (s *Store) Get(id int64) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// LastMessageID returns the highest id known to the store.
func (s *Store) LastMessageID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// Reload rereads the file and publishes messages written by other
// processes. It returns those messages.
func (s *Store) Reload() ([]Message, error) {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	err := s.reloadLocked()
	fresh := s.takeFreshLocked()
	s.mu.Unlock()

	s.publish(fresh)
	return fresh, err
}

// Subscribe returns a channel receiving every message new to this process,
// whether appended here or observed on reload. A reader that falls behind
// by more than buffer messages misses the overflow.
func (s *Store) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Message, buffer)

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		close(ch)
		return ch, func() {}
	}

	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			for i, sub := range s.subs {
				if sub == ch {
					s.subs = append(s.subs[:i], s.subs[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
}

func (s *Store) publish(msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, m := range msgs {
		for _, ch := range s.subs {
			select {
			case ch <- m:
			default:
				s.logger.Warn().Int64("messageId", m.ID).Msg("Chat subscriber full, message dropped")
			}
		}
	}
}

func (s *Store) readyLocked() error {
	if s.closed {
		return ErrStoreClosed
	}
	if !s.opened {
		return fmt.Errorf("chat store not opened")
	}
	return nil
}

// takeFreshLocked returns messages above the published watermark.
func (s *Store) takeFreshLocked() []Message {
	var fresh []Message
	for _, m := range s.messages {
		if m.ID > s.seenID {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) > 0 {
		s.seenID = fresh[len(fresh)-1].ID
	}
	return fresh
}

// reloadLocked replaces the in-memory log with the file contents, keeping
// messages that could not be written yet. On error memory is untouched.
func (s *Store) reloadLocked() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.messages = append([]Message(nil), s.unsaved...)
			s.lastID = maxID(s.lastID, s.messages)
			return nil
		}
		return fmt.Errorf("failed to read chat log: %w", err)
	}

	var file logFile
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("failed to parse chat log: %w", err)
		}
	}

	messages := file.Messages
	onDisk := make(map[int64]Message, len(messages))
	for _, m := range messages {
		onDisk[m.ID] = m
	}

	// Unsaved messages whose id was taken by another writer move past the
	// file's counter so no id names two messages.
	top := maxID(file.LastMessageID, messages)
	kept := make([]Message, 0, len(s.unsaved))
	for _, m := range s.unsaved {
		if disk, ok := onDisk[m.ID]; ok && sameMessage(disk, m) {
			continue
		}
		if m.ID <= top {
			old := m.ID
			top++
			m.ID = top
			if s.seenID >= old {
				// The other writer's message under old was never published here.
				s.seenID = old - 1
			}
			s.logger.Warn().
				Int64("messageId", old).
				Int64("newMessageId", m.ID).
				Msg("Unsaved chat message id taken by another writer, renumbered")
		} else {
			top = m.ID
		}
		kept = append(kept, m)
	}
	s.unsaved = kept
	messages = append(messages, kept...)

	s.messages = messages
	s.lastID = maxID(max(s.lastID, file.LastMessageID), messages)
	return nil
}

func sameMessage(a, b Message) bool {
	return a.From == b.From && a.To == b.To && a.Content == b.Content && a.Timestamp.Equal(b.Timestamp)
}

func (s *Store) writeLocked() error {
	data, err := json.MarshalIndent(logFile{
		Messages:      s.messages,
		LastMessageID: s.lastID,
		LastUpdated:   time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func maxID(floor int64, msgs []Message) int64 {
	for _, m := range msgs {
		if m.ID > floor {
			floor = m.ID
		}
	}
	return floor
}
