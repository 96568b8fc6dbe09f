package persona

import "strings"

// Store exposes persona retrieval for HTTP handlers and the terminal.
type Store interface {
	List() []Persona
	FindByID(id string) (Persona, bool)
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	items []Persona
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied personas.
func NewMemoryStore(items []Persona) *MemoryStore {
	return &MemoryStore{items: append([]Persona(nil), items...)}
}

// List returns the configured persona list.
func (s *MemoryStore) List() []Persona {
	return append([]Persona(nil), s.items...)
}

// FindByID looks up a persona by identifier or alias, ignoring case.
func (s *MemoryStore) FindByID(id string) (Persona, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
		for _, alias := range item.Aliases {
			if alias == id {
				return item, true
			}
		}
	}
	return Persona{}, false
}

// Resolve returns the persona for id, falling back to DefaultID for an empty id.
func Resolve(store Store, id string) (Persona, bool) {
	if strings.TrimSpace(id) == "" {
		id = DefaultID
	}
	return store.FindByID(id)
}
