package chat

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/zhouzirui/tavern-relay/internal/model/chat"
)

// ErrKeyRequired rejects handles without a conversation key.
var ErrKeyRequired = errors.New("conversation key is required")

// Service keeps conversation handles in memory. Handles are lost on restart;
// use the sqlite store when they must survive one.
type Service struct {
	mu      sync.RWMutex
	handles map[chat.ConversationKey]chat.ConversationHandle
}

// NewService bootstraps the in-memory conversation store.
func NewService() *Service {
	return &Service{
		handles: make(map[chat.ConversationKey]chat.ConversationHandle),
	}
}

// Load returns the handle bound to key, or nil when there is none.
func (s *Service) Load(_ context.Context, key chat.ConversationKey) (*chat.ConversationHandle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	handle, ok := s.handles[key]
	if !ok {
		return nil, nil
	}
	return &handle, nil
}

// Save binds handle to key, replacing any previous handle.
func (s *Service) Save(_ context.Context, key chat.ConversationKey, handle *chat.ConversationHandle) error {
	if key == "" {
		return ErrKeyRequired
	}
	if handle == nil {
		return errors.New("conversation handle is nil")
	}

	stored := *handle
	stored.Key = key

	s.mu.Lock()
	s.handles[key] = stored
	s.mu.Unlock()
	return nil
}

// Delete forgets key. Deleting a missing key is not an error.
func (s *Service) Delete(_ context.Context, key chat.ConversationKey) error {
	s.mu.Lock()
	delete(s.handles, key)
	s.mu.Unlock()
	return nil
}

// List returns every stored handle ordered by key.
func (s *Service) List(_ context.Context) ([]chat.ConversationHandle, error) {
	s.mu.RLock()
	out := make([]chat.ConversationHandle, 0, len(s.handles))
	for _, handle := range s.handles {
		out = append(out, handle)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
