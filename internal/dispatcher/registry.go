package dispatcher

import (
	"sync"

	"github.com/immersive-translate/dispatch-core/internal/model"
)

// ProviderRegistry maps a provider id to its full configuration
// (base URL, model id, purpose, kind). It is populated from the loaded
// config at startup and is shared between the batch-queue executor
// closures (built before the Dispatcher exists) and the Dispatcher
// itself, so a batchqueue.Key — which carries only a provider id — can
// be resolved back to the config a caller's LLMBatchFn needs.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]model.ProviderConfig
}

// NewProviderRegistry creates an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]model.ProviderConfig)}
}

// Set records (or updates) a provider's configuration.
func (r *ProviderRegistry) Set(p model.ProviderConfig) {
	r.mu.Lock()
	r.providers[p.ID] = p
	r.mu.Unlock()
}

// Get looks up a provider's configuration by id.
func (r *ProviderRegistry) Get(id string) (model.ProviderConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// registration is one in-flight client-request's cancellation handle.
type registration struct {
	tabID  string
	cancel chan struct{}
	once   sync.Once
}

func (r *registration) fire() {
	r.once.Do(func() { close(r.cancel) })
}

// cancelRegistry maps clientRequestId -> tabId and tabId -> the set of
// clientRequestIds it owns, so a tab close fans out to every request the
// tab started (spec.md §3 "Client-request registration", §4.H step 1,
// §5 "Tab close ⇒ cancel every clientRequestId associated with the tab").
type cancelRegistry struct {
	mu      sync.Mutex
	byID    map[string]*registration
	byTabID map[string]map[string]struct{}
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{
		byID:    make(map[string]*registration),
		byTabID: make(map[string]map[string]struct{}),
	}
}

// register creates a cancellation handle for clientRequestID, indexed
// under tabID when non-empty. Returns the cancel channel to thread into
// provider calls.
func (c *cancelRegistry) register(clientRequestID, tabID string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := &registration{tabID: tabID, cancel: make(chan struct{})}
	c.byID[clientRequestID] = r
	if tabID != "" {
		set, ok := c.byTabID[tabID]
		if !ok {
			set = make(map[string]struct{})
			c.byTabID[tabID] = set
		}
		set[clientRequestID] = struct{}{}
	}
	return r.cancel
}

// release removes clientRequestID's registration once the request has
// settled (spec.md §4.H step 5 "Always release ... in a finally block").
func (c *cancelRegistry) release(clientRequestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.byID[clientRequestID]
	if !ok {
		return
	}
	delete(c.byID, clientRequestID)
	if r.tabID == "" {
		return
	}
	if set, ok := c.byTabID[r.tabID]; ok {
		delete(set, clientRequestID)
		if len(set) == 0 {
			delete(c.byTabID, r.tabID)
		}
	}
}

// cancel fires the cancel signal for clientRequestID. A second call
// after the registration was released is a no-op (spec.md §8 "Idempotence
// (cancel): cancelling the same id twice is a no-op on the second call").
func (c *cancelRegistry) cancel(clientRequestID string) {
	c.mu.Lock()
	r, ok := c.byID[clientRequestID]
	c.mu.Unlock()
	if !ok {
		return
	}
	r.fire()
}

// cancelTab fires every clientRequestId registered under tabID and
// returns them, so callers can also purge batch-queue entries.
func (c *cancelRegistry) cancelTab(tabID string) []string {
	c.mu.Lock()
	set, ok := c.byTabID[tabID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	delete(c.byTabID, tabID)
	var regs []*registration
	for _, id := range ids {
		if r, ok := c.byID[id]; ok {
			regs = append(regs, r)
		}
	}
	c.mu.Unlock()

	for _, r := range regs {
		r.fire()
	}
	return ids
}
