// Package scheduler implements the token-bucket admission queue
// (spec.md §4.A, component A): it admits one submitted task per
// available token, tokens regenerating at a configured rate up to a
// burst capacity, and executes ready tasks in FIFO order.
package scheduler

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Task is the callable unit the scheduler admits and runs.
type Task func(ctx context.Context) (any, error)

// Result carries a task's eventual outcome.
type Result struct {
	Value any
	Err   error
}

type entry struct {
	id            uint64
	ctx           context.Context
	earliestStart time.Time
	fn            Task
	out           chan Result
}

// Scheduler is a token-bucket admission queue. The zero value is not
// usable; construct with New.
type Scheduler struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	capacity   float64
	tokens     float64
	lastRefill time.Time
	pending    []*entry
	nextID     uint64
	wake       chan struct{}
	closed     bool
}

// New creates a scheduler with the given rate (tokens/sec) and burst
// capacity, and starts its admission loop.
func New(rate float64, capacity int) *Scheduler {
	s := &Scheduler{
		rate:       rate,
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		lastRefill: time.Now(),
		wake:       make(chan struct{}, 1),
	}
	go s.loop()
	return s
}

// Reconfigure changes rate/capacity at runtime (spec.md §4.B
// "Reconfiguration ... supported at runtime"). The new values pace every
// admission from then on, including tasks already waiting in the queue;
// tasks already admitted and running are unaffected.
func (s *Scheduler) Reconfigure(rate float64, capacity int) {
	s.mu.Lock()
	s.refillLocked(time.Now())
	s.rate = rate
	s.capacity = float64(capacity)
	if s.tokens > s.capacity {
		s.tokens = s.capacity
	}
	s.mu.Unlock()
	s.nudge()
}

// Submit admits fn for execution once a token is available and
// earliestStart has elapsed, returning a channel that receives its
// single Result. Tasks among the ready set run in FIFO (insertion)
// order.
func (s *Scheduler) Submit(ctx context.Context, earliestStart time.Time, fn Task) <-chan Result {
	out := make(chan Result, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		out <- Result{Err: context.Canceled}
		return out
	}
	s.nextID++
	e := &entry{id: s.nextID, ctx: ctx, earliestStart: earliestStart, fn: fn, out: out}
	s.pending = append(s.pending, e)
	s.mu.Unlock()
	s.nudge()
	return out
}

// Close stops the admission loop; pending tasks receive context.Canceled.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, e := range pending {
		e.out <- Result{Err: context.Canceled}
	}
	s.nudge()
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) refillLocked(now time.Time) {
	elapsed := now.Sub(s.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	s.tokens += elapsed * s.rate
	if s.tokens > s.capacity {
		s.tokens = s.capacity
	}
	s.lastRefill = now
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.wake:
		case <-ticker.C:
		}
		if s.admitReady() {
			return
		}
	}
}

// admitReady scans pending in FIFO order, admitting every entry whose
// earliest-start has elapsed for as long as tokens remain. It returns
// true once the scheduler has been closed and drained.
func (s *Scheduler) admitReady() bool {
	now := time.Now()
	s.mu.Lock()
	if s.closed && len(s.pending) == 0 {
		s.mu.Unlock()
		return true
	}
	s.refillLocked(now)

	var admitted []*entry
	remaining := s.pending[:0:0]
	for _, e := range s.pending {
		if s.tokens >= 1 && !e.earliestStart.After(now) {
			s.tokens--
			admitted = append(admitted, e)
			continue
		}
		remaining = append(remaining, e)
	}
	s.pending = remaining
	s.mu.Unlock()

	for _, e := range admitted {
		s.run(e)
	}
	return false
}

func (s *Scheduler) run(e *entry) {
	go func() {
		if err := e.ctx.Err(); err != nil {
			e.out <- Result{Err: err}
			return
		}
		val, err := e.fn(e.ctx)
		if err != nil {
			log.Debugf("scheduler: task %d failed: %v", e.id, err)
		}
		e.out <- Result{Value: val, Err: err}
	}()
}
