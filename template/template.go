package template

import (
	"context"
	"errors"
	"time"
)

var (
	// no templates match a filter
	ErrNotFound = errors.New("no matching templates")
	// backend could not be reached or returned an error
	ErrStoreUnavailable = errors.New("template store unavailable")
)

// Template is immutable once stored.
type Template struct {
	ID        int64
	Text      string
	Category  string
	Tone      string
	CreatedAt time.Time
}

// Filter restricts a listing. Empty fields match everything.
type Filter struct {
	Category string
	Tone     string
}

func (f Filter) Match(t Template) bool {
	if f.Category != "" && t.Category != f.Category {
		return false
	}
	if f.Tone != "" && t.Tone != f.Tone {
		return false
	}
	return true
}

type Store interface {
	// Returns templates matching the filter, ordered by ID. An empty result is
	// not an error.
	ListTemplates(ctx context.Context, f Filter) ([]Template, error)
}

// Writer is implemented by stores which support import tooling.
type Writer interface {
	AddTemplate(ctx context.Context, t Template) (Template, error)
	ClearTemplates(ctx context.Context) error
}

type StoreWriter interface {
	Store
	Writer
}
