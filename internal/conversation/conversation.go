// Package conversation keeps the append-only message log for each
// (process, user) pair.
package conversation

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kalambet/sopflow/internal/gateway"
	"github.com/kalambet/sopflow/internal/storage"
)

// Backend defines the storage operations used by Store.
// Implemented by storage.Store.
type Backend interface {
	GetOrCreateConversation(processID, userID string) (storage.Conversation, error)
	FindConversation(processID, userID string) (storage.Conversation, error)
	AppendMessage(conversationID, role, content string) (storage.Message, error)
	ListMessages(conversationID string) ([]storage.Message, error)
	DeleteConversation(processID, userID string) error
}

// Store serializes appends per conversation on top of a Backend.
type Store struct {
	backend Backend

	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore wraps backend.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend, locks: make(map[string]*convLock)}
}

// GetOrCreate returns the conversation for the pair, creating it at most once.
func (s *Store) GetOrCreate(processID, userID string) (storage.Conversation, error) {
	c, err := s.backend.GetOrCreateConversation(processID, userID)
	if err != nil {
		return storage.Conversation{}, fmt.Errorf("getting conversation: %w", err)
	}
	return c, nil
}

// Find returns the existing conversation or storage.ErrNotFound.
func (s *Store) Find(processID, userID string) (storage.Conversation, error) {
	return s.backend.FindConversation(processID, userID)
}

// Append adds one message to the end of the conversation. Appends to the
// same conversation are applied one at a time.
func (s *Store) Append(conversationID, role, content string) (storage.Message, error) {
	unlock := s.lock(conversationID)
	defer unlock()

	m, err := s.backend.AppendMessage(conversationID, role, content)
	if err != nil {
		return storage.Message{}, fmt.Errorf("appending message: %w", err)
	}
	return m, nil
}

// History returns the pair's messages in append order. A missing
// conversation has an empty history.
func (s *Store) History(processID, userID string) ([]storage.Message, error) {
	c, err := s.backend.FindConversation(processID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return []storage.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding conversation: %w", err)
	}
	msgs, err := s.backend.ListMessages(c.ID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return msgs, nil
}

// Clear deletes the conversation and all its messages.
func (s *Store) Clear(processID, userID string) error {
	if err := s.backend.DeleteConversation(processID, userID); err != nil {
		return fmt.Errorf("clearing conversation: %w", err)
	}
	return nil
}

// ToGateway converts stored messages into provider messages.
func ToGateway(msgs []storage.Message) []gateway.Message {
	out := make([]gateway.Message, len(msgs))
	for i, m := range msgs {
		out[i] = gateway.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func (s *Store) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &convLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}
