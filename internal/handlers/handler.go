package handlers

import (
	"context"
	"sync"

	"github.com/umeshrajanna/deepship-llm-worker/internal/domain"
)

// Handler processes envelopes of a specific kind.
//
// Return nil on success (the envelope is acked), a plain error for a
// transient failure (nacked and redelivered with backoff), or an error
// wrapped with domain.Permanent for failures that must not be retried.
type Handler interface {
	Handle(ctx context.Context, env *domain.Envelope) error
	Kind() domain.Kind
}

// Registry maps task kinds to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.Kind]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.Kind]Handler)}
}

// Register adds a handler. Safe to call concurrently.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Kind()] = h
}

// Get returns the handler for the given kind.
// Returns UnknownTaskKindError if not registered.
func (r *Registry) Get(kind domain.Kind) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	if !ok {
		return nil, &domain.UnknownTaskKindError{Kind: kind}
	}
	return h, nil
}
