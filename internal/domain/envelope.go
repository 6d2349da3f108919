package domain

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of work an envelope carries.
type Kind string

const (
	// KindDeepSearch runs the full research pipeline on the LLM worker.
	KindDeepSearch Kind = "deep_search"
	// KindScrapeContent fetches and extracts page content on the scraper worker.
	KindScrapeContent Kind = "scrape_content"
)

// QueueResolver maps a task kind to the queue it must be enqueued on.
type QueueResolver interface {
	ResolveQueue(kind Kind) (string, error)
}

// Envelope is a single unit of enqueued work. The payload is opaque to the
// envelope itself and round-trips through the broker byte-for-byte: it is
// carried as raw bytes (base64 on the wire) rather than inline JSON, because
// encoding/json re-compacts and HTML-escapes embedded JSON values.
//
// Everything except Attempt is immutable after construction: Queue is derived
// from Kind once and never rewritten, and the broker increments Attempt on
// each delivery.
type Envelope struct {
	ID          string            `json:"id"`
	Kind        Kind              `json:"kind"`
	Payload     []byte            `json:"payload"`
	Queue       string            `json:"queue"`
	Attempt     int               `json:"attempt"`
	MaxAttempts int               `json:"max_attempts"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// NewEnvelope builds an envelope for the given kind, resolving the target
// queue through the resolver. Returns InvalidTaskKindError when the kind is
// not registered with the resolver.
func NewEnvelope(r QueueResolver, kind Kind, payload []byte, maxAttempts int) (*Envelope, error) {
	queue, err := r.ResolveQueue(kind)
	if err != nil {
		return nil, &InvalidTaskKindError{Kind: kind}
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Envelope{
		ID:          uuid.New().String(),
		Kind:        kind,
		Payload:     payload,
		Queue:       queue,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}, nil
}

// Exhausted reports whether the envelope has used up its delivery budget.
func (e *Envelope) Exhausted() bool {
	return e.Attempt >= e.MaxAttempts
}

// Clone returns a deep copy. Brokers hand out copies so a handler mutating
// the payload cannot corrupt the queued record.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	if e.Headers != nil {
		c.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}
