// Package genaibatch implements component G (spec.md §4.G): the
// caller-side aggregator that coalesces per-snippet translation
// requests into a single enqueueGenAIBatch dispatcher call, grouped by
// (language, provider) context.
package genaibatch

import (
	"context"
	"sync"
	"time"

	"github.com/immersive-translate/dispatch-core/internal/model"
)

// Key groups chunks the same way component C's batch key does: by
// source/target language and provider.
type Key struct {
	Source     string
	Target     string
	ProviderID string
}

// Chunk is one snippet awaiting translation through the aggregator.
type Chunk struct {
	ID       string
	Text     string
	Hash     string
	Metadata *model.ChunkMetadata

	once sync.Once
	done chan struct{}
	res  string
	err  error
}

// NewChunk constructs a chunk ready to be enqueued.
func NewChunk(id, text, hash string, metadata *model.ChunkMetadata) *Chunk {
	return &Chunk{ID: id, Text: text, Hash: hash, Metadata: metadata, done: make(chan struct{})}
}

func (c *Chunk) settle(res string, err error) {
	c.once.Do(func() {
		c.res, c.err = res, err
		close(c.done)
	})
}

// Wait blocks until the chunk's batch settles or ctx is cancelled.
func (c *Chunk) Wait(ctx context.Context) (string, error) {
	select {
	case <-c.done:
		return c.res, c.err
	case <-ctx.Done():
		return "", model.ErrCancelled
	}
}

// Config bounds the aggregator's coalescing window.
type Config struct {
	MaxItemsPerBatch      int
	MaxCharactersPerBatch int
	FlushDelay            time.Duration
}

// BatchExecutor issues the single background enqueueGenAIBatch call for
// a drained batch and returns index-aligned translations.
type BatchExecutor func(ctx context.Context, chunks []*Chunk, key Key) ([]string, error)

// Controller is the per-caller aggregator instance (spec.md §4.G runs
// "on the caller side"; one instance per content script/tab is typical,
// but nothing here assumes that).
type Controller struct {
	mu sync.Mutex

	cfg Config
	exec BatchExecutor

	pending    []*Chunk
	pendingKey Key
	charTotal  int
	timer      *time.Timer

	chunkByID   map[string]*Chunk
	inflightIDs map[string]bool
}

// New creates an aggregator that calls exec once per flushed batch.
func New(cfg Config, exec BatchExecutor) *Controller {
	return &Controller{
		cfg:         cfg,
		exec:        exec,
		chunkByID:   make(map[string]*Chunk),
		inflightIDs: make(map[string]bool),
	}
}

// Enqueue pushes chunk onto the pending list for key, flushing the
// previous context first if key differs from the batch currently open
// (spec.md §4.G "enqueue").
func (c *Controller) Enqueue(ctx context.Context, chunk *Chunk, key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) > 0 && c.pendingKey != key {
		c.flushLocked(ctx, "context-changed")
	}
	if len(c.pending) == 0 {
		c.pendingKey = key
	}

	c.pending = append(c.pending, chunk)
	c.chunkByID[chunk.ID] = chunk
	c.charTotal += len(chunk.Text)

	if len(c.pending) >= c.cfg.MaxItemsPerBatch || c.charTotal >= c.cfg.MaxCharactersPerBatch {
		c.flushLocked(ctx, "budget")
		return
	}
	c.armTimerLocked(ctx)
}

func (c *Controller) armTimerLocked(ctx context.Context) {
	delay := c.cfg.FlushDelay
	if delay <= 0 {
		delay = 60 * time.Millisecond
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if len(c.pending) > 0 {
			c.flushLocked(ctx, "timer")
		}
	})
}

// Flush drains and dispatches whatever is pending, regardless of
// budget or timer state. Reason is used only for diagnostics.
func (c *Controller) Flush(ctx context.Context, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked(ctx, reason)
}

func (c *Controller) flushLocked(ctx context.Context, _ string) {
	if len(c.pending) == 0 {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	chunks := c.pending
	key := c.pendingKey
	c.pending = nil
	c.charTotal = 0
	for _, ch := range chunks {
		c.inflightIDs[ch.ID] = true
	}
	go c.execute(ctx, chunks, key)
}

func (c *Controller) execute(ctx context.Context, chunks []*Chunk, key Key) {
	results, err := c.exec(ctx, chunks, key)

	c.mu.Lock()
	for _, ch := range chunks {
		delete(c.inflightIDs, ch.ID)
		delete(c.chunkByID, ch.ID)
	}
	c.mu.Unlock()

	if err != nil {
		for _, ch := range chunks {
			ch.settle("", err)
		}
		return
	}
	if len(results) != len(chunks) {
		for _, ch := range chunks {
			ch.settle("", model.ErrBatchCountMismatch)
		}
		return
	}
	for i, ch := range chunks {
		ch.settle(results[i], nil)
	}
}

// CancelChunk rejects chunk id with reason. A still-pending chunk is
// removed from the batch outright; an in-flight one is settled
// immediately — the eventual distribute step's settle() becomes a
// sync.Once no-op (spec.md §4.G "cancelChunk").
func (c *Controller) CancelChunk(id string, reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	chunk, ok := c.chunkByID[id]
	if !ok {
		return
	}
	if c.inflightIDs[id] {
		chunk.settle("", reason)
		return
	}
	for i, ch := range c.pending {
		if ch == chunk {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			c.charTotal -= len(ch.Text)
			if c.charTotal < 0 {
				c.charTotal = 0
			}
			break
		}
	}
	delete(c.chunkByID, id)
	chunk.settle("", reason)
}
