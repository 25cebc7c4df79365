// Package chatpool implements component E (spec.md §4.E): a per-key
// bounded pool of provider chat sessions, with a FIFO wait list for
// callers beyond the slot budget and bbolt-backed persistence of slot
// identity across restarts.
package chatpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/immersive-translate/dispatch-core/internal/model"
)

// CreateFn provisions a brand-new remote chat session and returns its
// chat id (guid).
type CreateFn func(ctx context.Context) (string, error)

// Slot is one live chat session held by the pool.
type Slot struct {
	ID               string
	ParentMessageID  string
	PendingMessageID string
	LastUsed         time.Time
	Busy             bool
}

func (s *Slot) persisted() PersistedSlot {
	return PersistedSlot{ID: s.ID, ParentMessageID: s.ParentMessageID, PendingMessageID: s.PendingMessageID, LastUsed: s.LastUsed}
}

// PoolKey builds the persistence/lookup key spec.md §6 defines as
// providerId ":" purpose ":" baseURL.
func PoolKey(providerID, purpose, baseURL string) string {
	return fmt.Sprintf("%s:%s:%s", providerID, purpose, baseURL)
}

type waiter struct {
	id      uint64
	resultC chan acquireResult
}

type acquireResult struct {
	slot *Slot
	err  error
}

type keyState struct {
	mu                sync.Mutex
	slots             []*Slot
	pendingProvisions int
	waiters           []*waiter
	nextWaiter        uint64
}

// Pool is the process-wide chat pool, partitioned by poolKey. Each key's
// slot list is guarded by its own mutex; operations on different keys
// never contend.
type Pool struct {
	mu             sync.Mutex
	keys           map[string]*keyState
	store          *Store
	maxSlotsPerKey int
	idleTTL        time.Duration
}

// New creates a pool backed by store (nil disables persistence), with
// maxSlotsPerKey concurrent slots and idleTTL-based eviction.
func New(store *Store, maxSlotsPerKey int, idleTTL time.Duration) *Pool {
	return &Pool{
		keys:           make(map[string]*keyState),
		store:          store,
		maxSlotsPerKey: maxSlotsPerKey,
		idleTTL:        idleTTL,
	}
}

// Hydrate loads persisted slots from the store, dropping any idle past
// idleTTL or lacking a chat id (spec.md §4.E "On startup it hydrates
// from that store...").
func (p *Pool) Hydrate() error {
	if p.store == nil {
		return nil
	}
	raw, err := p.store.Hydrate()
	if err != nil {
		return err
	}
	now := time.Now()
	for key, persisted := range raw {
		ks := p.keyStateFor(key)
		ks.mu.Lock()
		for _, ps := range persisted {
			if ps.ID == "" {
				continue
			}
			if p.idleTTL > 0 && now.Sub(ps.LastUsed) >= p.idleTTL {
				continue
			}
			ks.slots = append(ks.slots, &Slot{
				ID: ps.ID, ParentMessageID: ps.ParentMessageID, PendingMessageID: ps.PendingMessageID, LastUsed: ps.LastUsed,
			})
		}
		ks.mu.Unlock()
	}
	return nil
}

func (p *Pool) keyStateFor(key string) *keyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	ks, ok := p.keys[key]
	if !ok {
		ks = &keyState{}
		p.keys[key] = ks
	}
	return ks
}

// Lease is an exclusively held slot. Exactly one caller holds a given
// slot at a time (spec.md §8 invariant 4).
type Lease struct {
	pool     *Pool
	key      string
	ks       *keyState
	createFn CreateFn
	slot     *Slot
}

func (l *Lease) ChatID() string           { return l.slot.ID }
func (l *Lease) ParentMessageID() string  { return l.slot.ParentMessageID }
func (l *Lease) PendingMessageID() string { return l.slot.PendingMessageID }

// Acquire reserves a slot for key, creating one via createFn if the
// pool has room, or else queueing the caller on the per-key FIFO wait
// list (spec.md §4.E "acquire").
func (p *Pool) Acquire(ctx context.Context, providerID, baseURL, purpose string, createFn CreateFn) (*Lease, error) {
	key := PoolKey(providerID, purpose, baseURL)
	ks := p.keyStateFor(key)

	ks.mu.Lock()
	p.pruneIdleLocked(ks)

	for _, s := range ks.slots {
		if !s.Busy {
			s.Busy = true
			s.LastUsed = time.Now()
			ks.mu.Unlock()
			p.persist(key, ks)
			return &Lease{pool: p, key: key, ks: ks, createFn: createFn, slot: s}, nil
		}
	}

	if len(ks.slots)+ks.pendingProvisions < p.maxSlotsPerKey {
		ks.pendingProvisions++
		ks.mu.Unlock()

		id, err := createFn(ctx)

		ks.mu.Lock()
		ks.pendingProvisions--
		if err != nil {
			ks.mu.Unlock()
			return nil, err
		}
		slot := &Slot{ID: id, LastUsed: time.Now(), Busy: true}
		ks.slots = append(ks.slots, slot)
		ks.mu.Unlock()
		p.persist(key, ks)
		return &Lease{pool: p, key: key, ks: ks, createFn: createFn, slot: slot}, nil
	}

	ks.nextWaiter++
	w := &waiter{id: ks.nextWaiter, resultC: make(chan acquireResult, 1)}
	ks.waiters = append(ks.waiters, w)
	ks.mu.Unlock()

	select {
	case res := <-w.resultC:
		if res.err != nil {
			return nil, res.err
		}
		return &Lease{pool: p, key: key, ks: ks, createFn: createFn, slot: res.slot}, nil
	case <-ctx.Done():
		ks.mu.Lock()
		removed := removeWaiter(ks, w.id)
		ks.mu.Unlock()
		if removed {
			return nil, model.ErrCancelled
		}
		// Already handed a slot/error concurrently; honor it rather
		// than drop the allocation on the floor.
		res := <-w.resultC
		if res.err != nil {
			return nil, res.err
		}
		return &Lease{pool: p, key: key, ks: ks, createFn: createFn, slot: res.slot}, nil
	}
}

func removeWaiter(ks *keyState, id uint64) bool {
	for i, w := range ks.waiters {
		if w.id == id {
			ks.waiters = append(ks.waiters[:i], ks.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) pruneIdleLocked(ks *keyState) {
	if p.idleTTL <= 0 {
		return
	}
	now := time.Now()
	kept := ks.slots[:0]
	for _, s := range ks.slots {
		if !s.Busy && now.Sub(s.LastUsed) >= p.idleTTL {
			continue
		}
		kept = append(kept, s)
	}
	ks.slots = kept
}

// Release marks the lease's slot non-busy and hands it directly to a
// waiting caller, if any, without ever marking it idle in between.
func (l *Lease) Release() {
	l.ks.mu.Lock()
	if len(l.ks.waiters) > 0 {
		w := l.ks.waiters[0]
		l.ks.waiters = l.ks.waiters[1:]
		l.slot.LastUsed = time.Now()
		l.ks.mu.Unlock()
		w.resultC <- acquireResult{slot: l.slot}
		return
	}
	l.slot.Busy = false
	l.slot.LastUsed = time.Now()
	l.ks.mu.Unlock()
	l.pool.persist(l.key, l.ks)
}

// Invalidate removes the lease's slot entirely (the underlying chat is
// poisoned). A waiter, if any, is woken by provisioning a fresh slot in
// its place.
func (l *Lease) Invalidate() {
	l.ks.mu.Lock()
	for i, s := range l.ks.slots {
		if s == l.slot {
			l.ks.slots = append(l.ks.slots[:i], l.ks.slots[i+1:]...)
			break
		}
	}
	var w *waiter
	if len(l.ks.waiters) > 0 {
		w = l.ks.waiters[0]
		l.ks.waiters = l.ks.waiters[1:]
		l.ks.pendingProvisions++
	}
	l.ks.mu.Unlock()
	l.pool.persist(l.key, l.ks)

	if w == nil {
		return
	}
	go func() {
		id, err := l.createFn(context.Background())
		l.ks.mu.Lock()
		l.ks.pendingProvisions--
		if err != nil {
			l.ks.mu.Unlock()
			w.resultC <- acquireResult{err: err}
			return
		}
		fresh := &Slot{ID: id, LastUsed: time.Now(), Busy: true}
		l.ks.slots = append(l.ks.slots, fresh)
		l.ks.mu.Unlock()
		l.pool.persist(l.key, l.ks)
		w.resultC <- acquireResult{slot: fresh}
	}()
}

// SetParentMessageID records the latest assistant turn as the parent for
// the next user turn and schedules a persistence write.
func (l *Lease) SetParentMessageID(id string) {
	l.ks.mu.Lock()
	l.slot.ParentMessageID = id
	l.ks.mu.Unlock()
	l.pool.persist(l.key, l.ks)
}

// SetPendingMessageID records (or clears, via "") the user message whose
// completion has not yet been observed, and schedules a persistence
// write.
func (l *Lease) SetPendingMessageID(id string) {
	l.ks.mu.Lock()
	l.slot.PendingMessageID = id
	l.ks.mu.Unlock()
	l.pool.persist(l.key, l.ks)
}

// Scale warms the pool for key up to min(desired, MaxSlotsPerKey)
// non-busy slots (in-progress provisions count as non-busy), never
// growing the key past MaxSlotsPerKey slots in total. Provisioning
// failures are logged and ignored (spec.md §4.E "best-effort").
func (p *Pool) Scale(ctx context.Context, providerID, baseURL, purpose string, desired int, createFn CreateFn) {
	key := PoolKey(providerID, purpose, baseURL)
	ks := p.keyStateFor(key)

	target := desired
	if target > p.maxSlotsPerKey {
		target = p.maxSlotsPerKey
	}

	ks.mu.Lock()
	idle := ks.pendingProvisions
	for _, s := range ks.slots {
		if !s.Busy {
			idle++
		}
	}
	need := target - idle
	if room := p.maxSlotsPerKey - len(ks.slots) - ks.pendingProvisions; need > room {
		need = room
	}
	if need <= 0 {
		ks.mu.Unlock()
		return
	}
	ks.pendingProvisions += need
	ks.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < need; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := createFn(ctx)
			ks.mu.Lock()
			ks.pendingProvisions--
			if err != nil {
				ks.mu.Unlock()
				log.Warnf("chatpool: warm-up provisioning failed for %s: %v", key, err)
				return
			}
			ks.slots = append(ks.slots, &Slot{ID: id, LastUsed: time.Now(), Busy: false})
			ks.mu.Unlock()
			p.persist(key, ks)
		}()
	}
	wg.Wait()
}

func (p *Pool) persist(key string, ks *keyState) {
	if p.store == nil {
		return
	}
	ks.mu.Lock()
	snapshot := make([]PersistedSlot, len(ks.slots))
	for i, s := range ks.slots {
		snapshot[i] = s.persisted()
	}
	ks.mu.Unlock()
	p.store.SetSnapshot(key, snapshot)
}
