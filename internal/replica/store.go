package replica

import "sync"

// Store is the shared text store: one replicated body per document key.
// Bodies are created lazily on first access so a document opened on any
// replica gets a structure to merge into before its first op arrives.
type Store struct {
	mu    sync.Mutex
	site  string
	texts map[string]*Text
}

// NewStore creates a store whose bodies are owned by the given site ID.
func NewStore(site string) *Store {
	return &Store{site: site, texts: make(map[string]*Text)}
}

// Body returns the replicated body for a document key, creating it if needed.
func (s *Store) Body(documentID string) *Text {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.texts[documentID]
	if !ok {
		t = NewText(s.site)
		s.texts[documentID] = t
	}
	return t
}

// Has reports whether a body already exists for the document key.
func (s *Store) Has(documentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.texts[documentID]
	return ok
}

// Keys returns the document keys with live bodies.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.texts))
	for k := range s.texts {
		keys = append(keys, k)
	}
	return keys
}
