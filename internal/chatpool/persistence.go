package chatpool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketName = []byte("chat_pool")
	stateKey   = []byte("genai_chat_pool")
)

// PersistedSlot is the on-disk projection of a slot, excluding the busy
// flag (spec.md §4.E "excluding the busy flag").
type PersistedSlot struct {
	ID               string    `json:"id"`
	ParentMessageID  string    `json:"parentMessageId,omitempty"`
	PendingMessageID string    `json:"pendingMessageId,omitempty"`
	LastUsed         time.Time `json:"lastUsed"`
}

// Store is the single-key, single-writer persistence backend for the
// pool's slot snapshot (spec.md §6 "Chat-pool persistence": single key
// -> map<poolKey, slots[]>). Writes are coalesced: SetSnapshot always
// records the latest full snapshot, and the writer goroutine flushes
// whatever is current whenever it wakes, so a burst of mutations never
// loses the final state even if intermediate flushes are skipped.
type Store struct {
	db *bolt.DB

	mu       sync.Mutex
	snapshot map[string][]PersistedSlot

	wake   chan struct{}
	closed chan struct{}
}

// OpenStore opens (creating if necessary) the bbolt database at path and
// starts its single-writer flush loop.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("chatpool: mkdir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("chatpool: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketName)
		return e
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("chatpool: init bucket: %w", err)
	}
	s := &Store{
		db:       db,
		snapshot: make(map[string][]PersistedSlot),
		wake:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	go s.writerLoop()
	return s, nil
}

// Close stops the writer loop, flushing any pending snapshot first, then
// closes the database.
func (s *Store) Close() error {
	s.flush()
	close(s.closed)
	return s.db.Close()
}

// Hydrate returns the raw persisted snapshot. Pruning stale or
// chat-id-less slots is the pool's responsibility (it alone knows
// IdleTtl).
func (s *Store) Hydrate() (map[string][]PersistedSlot, error) {
	out := map[string][]PersistedSlot{}
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(stateKey)
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("chatpool: hydrate: %w", err)
	}
	s.mu.Lock()
	for k, v := range out {
		s.snapshot[k] = v
	}
	s.mu.Unlock()
	return out, nil
}

// SetSnapshot records the latest slot list for poolKey and nudges the
// writer loop. It never blocks on I/O.
func (s *Store) SetSnapshot(poolKey string, slots []PersistedSlot) {
	s.mu.Lock()
	s.snapshot[poolKey] = slots
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Store) writerLoop() {
	for {
		select {
		case <-s.wake:
			s.flush()
		case <-s.closed:
			return
		}
	}
}

func (s *Store) flush() {
	s.mu.Lock()
	snap := make(map[string][]PersistedSlot, len(s.snapshot))
	for k, v := range s.snapshot {
		snap[k] = v
	}
	s.mu.Unlock()

	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	_ = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(stateKey, payload)
	})
}
