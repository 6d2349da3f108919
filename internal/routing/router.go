// Package routing maps task kinds to queues and worker roles to the fixed
// queue sets they consume. The mapping is an explicit immutable configuration
// passed at construction, never a process-wide table.
package routing

import (
	"fmt"

	"github.com/umeshrajanna/deepship-llm-worker/internal/domain"
)

// Queue names from the production deployment: the scraper worker consumes
// scraper_queue, the LLM worker consumes the broker default queue "celery".
const (
	QueueScraper = "scraper_queue"
	QueueLLM     = "celery"
)

// Worker roles.
const (
	RoleScraper = "scraper"
	RoleLLM     = "llm"
)

// Binding declares the queue set and default concurrency for one worker role.
// A pool instance binds to exactly this set at startup and never rebinds.
type Binding struct {
	Role        string
	Queues      []string
	Concurrency int
}

// Config is the full routing table: kind → queue plus per-role bindings.
type Config struct {
	Kinds    map[domain.Kind]string
	Bindings []Binding
}

// DefaultConfig returns the production routing table: scrape_content on
// scraper_queue (2 slots), deep_search on celery (10 slots).
func DefaultConfig() Config {
	return Config{
		Kinds: map[domain.Kind]string{
			domain.KindScrapeContent: QueueScraper,
			domain.KindDeepSearch:    QueueLLM,
		},
		Bindings: []Binding{
			{Role: RoleScraper, Queues: []string{QueueScraper}, Concurrency: 2},
			{Role: RoleLLM, Queues: []string{QueueLLM}, Concurrency: 10},
		},
	}
}

// Router resolves kinds to queues and roles to queue sets. Immutable after
// construction and safe for concurrent use.
type Router struct {
	kinds map[domain.Kind]string
	roles map[string]Binding
}

// NewRouter validates cfg and builds a Router. Every kind's queue must be
// consumed by exactly one role so no two pools ever pull the same queue.
func NewRouter(cfg Config) (*Router, error) {
	if len(cfg.Kinds) == 0 {
		return nil, fmt.Errorf("routing config has no task kinds")
	}

	queueOwner := make(map[string]string)
	roles := make(map[string]Binding, len(cfg.Bindings))
	for _, b := range cfg.Bindings {
		if b.Role == "" {
			return nil, fmt.Errorf("routing config: binding with empty role")
		}
		if _, dup := roles[b.Role]; dup {
			return nil, fmt.Errorf("routing config: duplicate role %q", b.Role)
		}
		if len(b.Queues) == 0 {
			return nil, fmt.Errorf("routing config: role %q binds no queues", b.Role)
		}
		if b.Concurrency < 1 {
			return nil, fmt.Errorf("routing config: role %q concurrency must be >= 1, got %d", b.Role, b.Concurrency)
		}
		for _, q := range b.Queues {
			if owner, taken := queueOwner[q]; taken {
				return nil, fmt.Errorf("routing config: queue %q bound by both %q and %q", q, owner, b.Role)
			}
			queueOwner[q] = b.Role
		}
		roles[b.Role] = b
	}

	kinds := make(map[domain.Kind]string, len(cfg.Kinds))
	for kind, queue := range cfg.Kinds {
		if _, ok := queueOwner[queue]; !ok {
			return nil, fmt.Errorf("routing config: kind %q targets queue %q which no role consumes", kind, queue)
		}
		kinds[kind] = queue
	}

	return &Router{kinds: kinds, roles: roles}, nil
}

// ResolveQueue returns the queue for kind. Pure and total over the registered
// kind set; UnknownTaskKindError otherwise.
func (r *Router) ResolveQueue(kind domain.Kind) (string, error) {
	queue, ok := r.kinds[kind]
	if !ok {
		return "", &domain.UnknownTaskKindError{Kind: kind}
	}
	return queue, nil
}

// QueuesForRole returns a copy of the fixed queue set the role consumes.
func (r *Router) QueuesForRole(role string) ([]string, error) {
	b, ok := r.roles[role]
	if !ok {
		return nil, fmt.Errorf("unknown worker role %q", role)
	}
	return append([]string(nil), b.Queues...), nil
}

// ConcurrencyForRole returns the default slot count for the role.
func (r *Router) ConcurrencyForRole(role string) (int, error) {
	b, ok := r.roles[role]
	if !ok {
		return 0, fmt.Errorf("unknown worker role %q", role)
	}
	return b.Concurrency, nil
}

// Kinds returns the registered kinds. Order is unspecified.
func (r *Router) Kinds() []domain.Kind {
	out := make([]domain.Kind, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	return out
}

// KindsForRole returns the kinds whose target queue belongs to role.
func (r *Router) KindsForRole(role string) ([]domain.Kind, error) {
	queues, err := r.QueuesForRole(role)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(queues))
	for _, q := range queues {
		set[q] = true
	}
	var out []domain.Kind
	for kind, queue := range r.kinds {
		if set[queue] {
			out = append(out, kind)
		}
	}
	return out, nil
}
