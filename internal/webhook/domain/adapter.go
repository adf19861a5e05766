package domain

import (
	"strings"
	"sync"

	subscriptiondomain "github.com/fleetform/fleetform/internal/subscription/domain"
)

// ProviderEvent is a provider webhook after signature verification and
// decoding. Normalized is nil for event types this service does not act on;
// those are acknowledged and recorded as ignored.
type ProviderEvent struct {
	ID         string
	Type       string
	Normalized *subscriptiondomain.Event
}

// Adapter verifies and decodes one billing provider's webhook payloads.
type Adapter interface {
	Provider() string
	// Parse authenticates the payload against the signature header and
	// decodes it. Returns ErrInvalidSignature when authentication fails.
	Parse(payload []byte, signatureHeader string) (*ProviderEvent, error)
}

// Registry maps provider path segments to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(a.Provider())] = a
}

func (r *Registry) Get(provider string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(provider))]
	return a, ok
}
