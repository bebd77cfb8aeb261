package source

import (
	"sync"
	"time"

	"github.com/dethbird/journal-sub000/internal/cursor"
)

// ReenrichPolicy bounds the post-ingest pass that rebuilds one enrichment
// kind for a provider's recent events.
type ReenrichPolicy struct {
	EventType string
	Kind      string
	Window    time.Duration
	Limit     int
	Builder   Builder
	// Delay spaces successive builder calls, which usually hit the
	// provider's API once each.
	Delay time.Duration
}

// Registration is everything the orchestrator knows about one provider.
type Registration struct {
	Provider string
	Source   Source
	Cursor   cursor.Spec
	// RefreshOnRecent lists event types whose inline enrichment is written
	// again when a duplicate falls inside the recency window.
	RefreshOnRecent map[string]bool
	// AsyncKinds maps an event type to enrichment kinds built by the job
	// worker after a new event is stored.
	AsyncKinds map[string][]string
	Reenrich   *ReenrichPolicy
	// Timeout bounds a single collector invocation. Zero means no bound
	// beyond the caller's context.
	Timeout time.Duration
}

// Option configures a Registration.
type Option func(*Registration)

func WithCursor(spec cursor.Spec) Option {
	return func(r *Registration) { r.Cursor = spec }
}

func WithRefreshOnRecent(eventTypes ...string) Option {
	return func(r *Registration) {
		for _, t := range eventTypes {
			r.RefreshOnRecent[t] = true
		}
	}
}

func WithAsyncEnrichment(eventType string, kinds ...string) Option {
	return func(r *Registration) {
		r.AsyncKinds[eventType] = append(r.AsyncKinds[eventType], kinds...)
	}
}

func WithReenrichment(p ReenrichPolicy) Option {
	return func(r *Registration) { r.Reenrich = &p }
}

func WithTimeout(d time.Duration) Option {
	return func(r *Registration) { r.Timeout = d }
}

// Registry holds provider registrations in registration order. It is built
// once at startup and handed to the orchestrator.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Registration)}
}

// Register adds a provider. The cursor variant defaults to an integer id.
func (r *Registry) Register(provider string, src Source, opts ...Option) error {
	if provider == "" {
		return &ConfigurationError{Provider: "(unnamed)", Message: "provider name is empty"}
	}
	if !hasCollector(src) {
		return &ConfigurationError{Provider: provider, Message: "no collection function supplied"}
	}

	reg := Registration{
		Provider:        provider,
		Source:          src,
		Cursor:          cursor.IntegerSpec,
		RefreshOnRecent: make(map[string]bool),
		AsyncKinds:      make(map[string][]string),
	}
	for _, opt := range opts {
		opt(&reg)
	}
	if reg.Reenrich != nil && reg.Reenrich.Builder == nil {
		return &ConfigurationError{Provider: provider, Message: "re-enrichment policy has no builder"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[provider]; exists {
		return &DuplicateProviderError{Provider: provider}
	}
	r.byName[provider] = reg
	r.order = append(r.order, provider)
	return nil
}

// Get returns the registration for provider.
func (r *Registry) Get(provider string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[provider]
	return reg, ok
}

// List returns registrations in registration order.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Names returns provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func hasCollector(src Source) bool {
	switch s := src.(type) {
	case Global:
		return s.Collector != nil
	case PerAccount:
		return s.Collector != nil
	default:
		return false
	}
}
