package persona

import (
	"sort"
	"sync"
)

// Store exposes persona lookup for HTTP handlers.
type Store interface {
	List() []Persona
	FindByID(id string) (Persona, bool)
	Put(p Persona)
}

// MemoryStore caches fetched personas in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Persona
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied personas.
func NewMemoryStore(items []Persona) *MemoryStore {
	s := &MemoryStore{items: make(map[string]Persona, len(items))}
	for _, item := range items {
		s.items[item.ID] = item
	}
	return s
}

// List returns cached personas ordered by identifier.
func (s *MemoryStore) List() []Persona {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Persona, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByID looks up a persona by identifier.
func (s *MemoryStore) FindByID(id string) (Persona, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	return item, ok
}

// Put stores or replaces a persona.
func (s *MemoryStore) Put(p Persona) {
	if p.ID == "" {
		return
	}
	s.mu.Lock()
	s.items[p.ID] = p
	s.mu.Unlock()
}
