package template

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

type MemStore struct {
	mu        sync.RWMutex
	nextID    int64
	templates []Template
}

var _ StoreWriter = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{nextID: 1}
}

func (s *MemStore) ListTemplates(ctx context.Context, f Filter) ([]Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Template{}
	for _, t := range s.templates {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// AddTemplate assigns an ID when t.ID is zero.
func (s *MemStore) AddTemplate(ctx context.Context, t Template) (Template, error) {
	if strings.TrimSpace(t.Text) == "" {
		return Template{}, fmt.Errorf("empty template text")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == 0 {
		t.ID = s.nextID
	}
	for _, existing := range s.templates {
		if existing.ID == t.ID {
			return Template{}, fmt.Errorf("duplicate template id: %d", t.ID)
		}
	}
	if t.ID >= s.nextID {
		s.nextID = t.ID + 1
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.templates = append(s.templates, t)
	return t, nil
}

func (s *MemStore) ClearTemplates(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates = nil
	return nil
}
