// Package requestqueue implements component B (spec.md §4.B): it wraps
// the token-bucket scheduler with dedupe-by-hash, per-task timeouts and
// bounded exponential-backoff retry.
package requestqueue

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/immersive-translate/dispatch-core/internal/model"
	"github.com/immersive-translate/dispatch-core/internal/scheduler"
)

// Thunk is the unit of work enqueued by a caller. It must respect ctx
// cancellation; no critical section inside it may span longer than the
// configured timeout.
type Thunk func(ctx context.Context) (any, error)

// Config is the mutable subset of request-queue behavior, reconfigurable
// at runtime via setTranslateRequestQueueConfig (spec.md §6).
type Config struct {
	RatePerSecond    float64
	Capacity         int
	TimeoutMs        int64
	MaxRetries       int
	BaseRetryDelayMs int64
	MaxRetryDelayMs  int64
}

type sharedFuture struct {
	done chan struct{}
	res  scheduler.Result
}

// Queue is the request queue: one per process, shared across all
// providers that feed it.
type Queue struct {
	sched *scheduler.Scheduler

	mu       sync.Mutex
	cfg      Config
	inflight map[string]*sharedFuture
}

// New creates a request queue with the given initial configuration.
func New(cfg Config) *Queue {
	return &Queue{
		sched:    scheduler.New(cfg.RatePerSecond, cfg.Capacity),
		cfg:      cfg,
		inflight: make(map[string]*sharedFuture),
	}
}

// Reconfigure updates rate/capacity/timeout/retry limits. Timeout and
// retry limits apply only to tasks enqueued after the call returns; the
// new rate and capacity also pace tasks already waiting for admission.
func (q *Queue) Reconfigure(cfg Config) {
	q.mu.Lock()
	q.cfg = cfg
	q.mu.Unlock()
	q.sched.Reconfigure(cfg.RatePerSecond, cfg.Capacity)
}

// Close stops the underlying scheduler.
func (q *Queue) Close() { q.sched.Close() }

// Enqueue submits thunk for execution, deduplicating by hash when
// non-empty: a second enqueue of an in-flight hash attaches to the
// existing future rather than re-executing thunk (spec.md §4.B, §8
// invariant 2).
func (q *Queue) Enqueue(ctx context.Context, thunk Thunk, earliestStart time.Time, hash string) (any, error) {
	if hash == "" {
		return q.submitFresh(ctx, thunk, earliestStart)
	}

	q.mu.Lock()
	if existing, ok := q.inflight[hash]; ok {
		q.mu.Unlock()
		return q.attach(ctx, existing)
	}
	future := &sharedFuture{done: make(chan struct{})}
	q.inflight[hash] = future
	q.mu.Unlock()

	q.runOwned(ctx, thunk, earliestStart, hash, future)
	return q.attach(ctx, future)
}

// attach waits for a shared future to settle or ctx to be cancelled.
func (q *Queue) attach(ctx context.Context, f *sharedFuture) (any, error) {
	select {
	case <-f.done:
		return f.res.Value, f.res.Err
	case <-ctx.Done():
		return nil, model.ErrCancelled
	}
}

// runOwned drives a fresh (non-deduplicated) execution with retry, then
// resolves and removes the shared future.
func (q *Queue) runOwned(ctx context.Context, thunk Thunk, earliestStart time.Time, hash string, future *sharedFuture) {
	go func() {
		res := q.executeWithRetry(ctx, thunk, earliestStart)
		future.res = res
		close(future.done)
		q.mu.Lock()
		if q.inflight[hash] == future {
			delete(q.inflight, hash)
		}
		q.mu.Unlock()
	}()
}

func (q *Queue) submitFresh(ctx context.Context, thunk Thunk, earliestStart time.Time) (any, error) {
	res := q.executeWithRetry(ctx, thunk, earliestStart)
	return res.Value, res.Err
}

// executeWithRetry submits thunk to the scheduler, retrying retryable
// failures up to MaxRetries times with exponential backoff, each retry
// re-admitted through the scheduler (so retries are also rate limited).
func (q *Queue) executeWithRetry(ctx context.Context, thunk Thunk, earliestStart time.Time) scheduler.Result {
	q.mu.Lock()
	cfg := q.cfg
	q.mu.Unlock()

	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	attempt := 0
	nextStart := earliestStart
	for {
		task := wrapWithTimeout(thunk, timeout)
		out := q.sched.Submit(ctx, nextStart, task)
		var res scheduler.Result
		select {
		case res = <-out:
		case <-ctx.Done():
			return scheduler.Result{Err: model.ErrCancelled}
		}

		if res.Err == nil {
			return res
		}
		if model.IsCancelled(res.Err) {
			return res
		}
		if !model.IsRetryable(res.Err) || attempt >= cfg.MaxRetries {
			return res
		}

		delay := backoffDelay(cfg.BaseRetryDelayMs, cfg.MaxRetryDelayMs, attempt)
		log.Warnf("requestqueue: retrying after %v (attempt %d/%d): %v", delay, attempt+1, cfg.MaxRetries, res.Err)
		attempt++
		nextStart = time.Now().Add(delay)
	}
}

func wrapWithTimeout(thunk Thunk, timeout time.Duration) scheduler.Task {
	return func(ctx context.Context) (any, error) {
		if timeout <= 0 {
			return thunk(ctx)
		}
		innerCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		type outcome struct {
			val any
			err error
		}
		ch := make(chan outcome, 1)
		go func() {
			v, err := thunk(innerCtx)
			ch <- outcome{v, err}
		}()

		select {
		case o := <-ch:
			return o.val, o.err
		case <-innerCtx.Done():
			return nil, model.ErrTimeout
		}
	}
}

// backoffDelay computes base*2^attempt, clamped to maxDelay, using
// integer arithmetic to avoid overflow on large attempt counts
// (spec.md §9 "Backoff math").
func backoffDelay(baseMs, maxMs int64, attempt int) time.Duration {
	if baseMs <= 0 {
		baseMs = 1
	}
	delay := baseMs
	for i := 0; i < attempt && delay < maxMs; i++ {
		delay *= 2
		if delay <= 0 { // overflow guard
			delay = maxMs
			break
		}
	}
	if maxMs > 0 && delay > maxMs {
		delay = maxMs
	}
	return time.Duration(delay) * time.Millisecond
}
