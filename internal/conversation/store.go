// Package conversation keeps the bounded per-session message history that is
// replayed to the generation backend on every turn.
package conversation

import (
	"errors"
	"fmt"
	"sync"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultLimit is the history window used when none is configured.
const DefaultLimit = 20

// ErrUnknownSession is returned for operations on a session that was never
// initialized or has already been evicted.
var ErrUnknownSession = errors.New("unknown session")

// Message is a single history entry.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type entry struct {
	messages    []Message
	interrupted bool
}

// Store holds conversation state keyed by session id. History for a given id
// is expected to have a single writer; the lock only protects the map against
// concurrent eviction.
type Store struct {
	mu       sync.Mutex
	limit    int
	sessions map[string]*entry
}

// NewStore creates a store whose histories never exceed limit messages,
// system directive included. Limits below 2 fall back to DefaultLimit.
func NewStore(limit int) *Store {
	if limit < 2 {
		limit = DefaultLimit
	}
	return &Store{
		limit:    limit,
		sessions: make(map[string]*entry),
	}
}

// Limit reports the configured history window.
func (s *Store) Limit() int { return s.limit }

// Initialize creates the history for id seeded with the system prompt. It is a
// no-op when id already exists.
func (s *Store) Initialize(id, systemPrompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		return
	}
	s.sessions[id] = &entry{
		messages: []Message{{Role: RoleSystem, Content: systemPrompt}},
	}
}

// Append adds a message to the history. A system message replaces slot 0
// instead of being appended. When the window overflows the oldest non-system
// messages are dropped.
func (s *Store) Append(id string, role Role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("append %s message to %s: %w", role, id, ErrUnknownSession)
	}
	msg := Message{Role: role, Content: content}
	if role == RoleSystem {
		e.messages[0] = msg
		return nil
	}
	e.messages = append(e.messages, msg)
	if over := len(e.messages) - s.limit; over > 0 {
		kept := make([]Message, 0, s.limit)
		kept = append(kept, e.messages[0])
		kept = append(kept, e.messages[1+over:]...)
		e.messages = kept
	}
	return nil
}

// Snapshot returns a copy of the history, oldest first.
func (s *Store) Snapshot(id string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", id, ErrUnknownSession)
	}
	out := make([]Message, len(e.messages))
	copy(out, e.messages)
	return out, nil
}

// MarkInterrupted records that the latest playback for id was cut short.
func (s *Store) MarkInterrupted(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("mark interrupted %s: %w", id, ErrUnknownSession)
	}
	e.interrupted = true
	return nil
}

// TakeInterrupted reads and clears the interruption flag.
func (s *Store) TakeInterrupted(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return false, fmt.Errorf("take interrupted %s: %w", id, ErrUnknownSession)
	}
	was := e.interrupted
	e.interrupted = false
	return was, nil
}

// Has reports whether id currently has a history.
func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// Delete drops the history for id, reporting whether it was present.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// Len returns the number of live histories.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
