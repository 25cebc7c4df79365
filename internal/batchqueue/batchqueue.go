// Package batchqueue implements component C (spec.md §4.C): it
// coalesces per-key tasks into batches bounded by character/item
// budgets, flushes them through the request queue, and falls back to
// individual per-task requests when a batch attempt fails.
package batchqueue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/immersive-translate/dispatch-core/internal/model"
	"github.com/immersive-translate/dispatch-core/internal/requestqueue"
)

// Key is the deterministic batch key over (sourceLang, targetLang, providerId).
type Key struct {
	Source     string
	Target     string
	ProviderID string
}

func (k Key) String() string { return k.Source + ">" + k.Target + "@" + k.ProviderID }

// Task is a single unit of translation work waiting to be coalesced.
type Task struct {
	ID              string
	ClientRequestID string
	Text            string
	Hash            string
	BudgetChars     int // 0 means "use the queue defaults"

	once sync.Once
	done chan struct{}
	res  string
	err  error
}

// NewTask constructs a task ready to be enqueued.
func NewTask(id, clientRequestID, text, hash string, budgetChars int) *Task {
	return &Task{ID: id, ClientRequestID: clientRequestID, Text: text, Hash: hash, BudgetChars: budgetChars, done: make(chan struct{})}
}

func (t *Task) settle(res string, err error) {
	t.once.Do(func() {
		t.res, t.err = res, err
		close(t.done)
	})
}

// Wait blocks until the task settles or ctx is cancelled.
func (t *Task) Wait(ctx context.Context) (string, error) {
	select {
	case <-t.done:
		return t.res, t.err
	case <-ctx.Done():
		return "", model.ErrCancelled
	}
}

// Config is the mutable subset of batch-queue behavior, reconfigurable
// at runtime via setTranslateBatchQueueConfig (spec.md §6).
type Config struct {
	MaxCharactersPerBatch int
	MaxItemsPerBatch      int
	BatchDelay            time.Duration
	MaxRetries            int
	FallbackToIndividual  bool
}

// Executor runs a single flushed batch, returning the combined reply
// joined with model.Separator. It is submitted through the request
// queue so it is itself rate-limited, deduped and retried. key
// identifies which provider/language pair the batch belongs to, since
// one Queue coalesces tasks for many keys behind a single Executor.
type Executor func(ctx context.Context, key Key, combinedText string, taskCount int) (string, error)

// IndividualExecutor runs one task's fallback request after a batch
// attempt has been exhausted.
type IndividualExecutor func(ctx context.Context, key Key, text, hash string) (string, error)

type pendingBatch struct {
	id        string
	key       Key
	tasks     []*Task
	charTotal int
	budget    int
	createdAt time.Time
	timer     *time.Timer
}

type taskRef struct {
	batch *pendingBatch
	task  *Task
}

// Queue is the per-process batch queue, shared across all generic LLM
// providers.
type Queue struct {
	mu         sync.Mutex
	cfg        Config
	open       map[Key]*pendingBatch
	inflight   map[string]*pendingBatch
	tasksByID  map[string]*taskRef
	nextBatch  uint64
	rq         *requestqueue.Queue
	exec       Executor
	individual IndividualExecutor
}

// New creates a batch queue backed by rq, executing flushed batches with
// exec and, on exhausted/mismatched batch failure, falling back to
// individual per task with individualExec.
func New(cfg Config, rq *requestqueue.Queue, exec Executor, individualExec IndividualExecutor) *Queue {
	return &Queue{
		cfg:        cfg,
		open:       make(map[Key]*pendingBatch),
		inflight:   make(map[string]*pendingBatch),
		tasksByID:  make(map[string]*taskRef),
		rq:         rq,
		exec:       exec,
		individual: individualExec,
	}
}

// Reconfigure replaces the queue's config for every later Enqueue and
// flush, including those on a batch that is already open: the new item
// budget and batch delay apply to it at once, while its character budget
// is only ever raised, never lowered.
func (q *Queue) Reconfigure(cfg Config) {
	q.mu.Lock()
	q.cfg = cfg
	q.mu.Unlock()
}

// Enqueue coalesces t into the open batch for key, flushing immediately
// if t would overflow the batch's budget, or arming/extending a
// batch-delay timer otherwise (spec.md §4.C steps 1-5).
func (q *Queue) Enqueue(ctx context.Context, t *Task, key Key) {
	q.mu.Lock()

	batch, ok := q.open[key]
	if !ok {
		batch = q.newBatchLocked(key)
	}

	effectiveBudget := q.cfg.MaxCharactersPerBatch
	if t.BudgetChars > effectiveBudget {
		effectiveBudget = t.BudgetChars
	}
	if batch.budget > effectiveBudget {
		effectiveBudget = batch.budget
	}
	batch.budget = effectiveBudget

	taskLen := len(t.Text)
	overflows := len(batch.tasks) > 0 && batch.charTotal+taskLen > batch.budget
	if overflows {
		q.flushLocked(ctx, batch)
		batch = q.newBatchLocked(key)
		batch.budget = effectiveBudget
	}

	batch.tasks = append(batch.tasks, t)
	batch.charTotal += taskLen
	q.tasksByID[t.ID] = &taskRef{batch: batch, task: t}

	mustFlush := len(batch.tasks) >= q.cfg.MaxItemsPerBatch || batch.charTotal >= batch.budget
	if mustFlush {
		q.flushLocked(ctx, batch)
		q.mu.Unlock()
		return
	}

	q.armTimerLocked(ctx, batch)
	q.mu.Unlock()
}

func (q *Queue) newBatchLocked(key Key) *pendingBatch {
	q.nextBatch++
	b := &pendingBatch{
		id:        fmt.Sprintf("batch-%d", q.nextBatch),
		key:       key,
		budget:    q.cfg.MaxCharactersPerBatch,
		createdAt: time.Now(),
	}
	q.open[key] = b
	return b
}

func (q *Queue) armTimerLocked(ctx context.Context, batch *pendingBatch) {
	delay := q.cfg.BatchDelay
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}
	if batch.timer != nil {
		batch.timer.Stop()
	}
	batch.timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		if q.open[batch.key] == batch && len(batch.tasks) > 0 {
			q.flushLocked(ctx, batch)
		}
		q.mu.Unlock()
	})
}

// flushLocked detaches batch from the open map and executes it
// asynchronously. Caller must hold q.mu.
func (q *Queue) flushLocked(ctx context.Context, batch *pendingBatch) {
	if q.open[batch.key] == batch {
		delete(q.open, batch.key)
	}
	if batch.timer != nil {
		batch.timer.Stop()
	}
	if len(batch.tasks) == 0 {
		return
	}
	q.inflight[batch.id] = batch
	go q.execute(ctx, batch)
}

func (q *Queue) execute(ctx context.Context, batch *pendingBatch) {
	texts := make([]string, len(batch.tasks))
	for i, t := range batch.tasks {
		texts[i] = t.Text
	}
	combined := strings.Join(texts, model.Separator)
	hash := compoundHash(texts)

	taskCount := len(batch.tasks)
	thunk := func(ctx context.Context) (any, error) {
		return q.exec(ctx, batch.key, combined, taskCount)
	}

	v, err := q.rq.Enqueue(ctx, thunk, time.Now(), hash)
	var fragments []string
	if err == nil {
		combinedReply, _ := v.(string)
		fragments = splitFragments(combinedReply)
		if len(fragments) != taskCount {
			err = model.ErrBatchCountMismatch
		}
	}

	if err != nil {
		log.Warnf("batchqueue: batch %s failed (%v), fallback=%v", batch.id, err, q.cfg.FallbackToIndividual)
		q.settleBatchViaFallback(ctx, batch, err)
	} else {
		q.settleBatchSuccess(batch, fragments)
	}

	q.mu.Lock()
	delete(q.inflight, batch.id)
	for _, t := range batch.tasks {
		delete(q.tasksByID, t.ID)
	}
	q.mu.Unlock()
}

func (q *Queue) settleBatchSuccess(batch *pendingBatch, fragments []string) {
	for i, t := range batch.tasks {
		t.settle(fragments[i], nil)
	}
}

// settleBatchViaFallback retries each still-pending task independently
// through the request queue. This path never re-enters the batch queue
// (spec.md §4.C "must not re-enter the batch queue").
func (q *Queue) settleBatchViaFallback(ctx context.Context, batch *pendingBatch, batchErr error) {
	if !q.cfg.FallbackToIndividual || q.individual == nil {
		for _, t := range batch.tasks {
			t.settle("", batchErr)
		}
		return
	}
	var wg sync.WaitGroup
	for _, t := range batch.tasks {
		t := t
		select {
		case <-t.done:
			continue // already settled, e.g. cancelled while in flight
		default:
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			thunk := func(ctx context.Context) (any, error) {
				return q.individual(ctx, batch.key, t.Text, t.Hash)
			}
			v, err := q.rq.Enqueue(ctx, thunk, time.Now(), t.Hash)
			if err != nil {
				t.settle("", err)
				return
			}
			text, _ := v.(string)
			t.settle(text, nil)
		}()
	}
	wg.Wait()
}

// CancelTasks removes matching pending tasks from their batches
// (adjusting budgets) and marks matching in-flight tasks cancelled so
// their resolvers reject once the batch settles. Matching is driven by
// predicate over each task's ClientRequestID (spec.md §4.C
// "cancelTasks(predicate, reason)").
func (q *Queue) CancelTasks(predicate func(clientRequestID string) bool, reason error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, ref := range q.tasksByID {
		if !predicate(ref.task.ClientRequestID) {
			continue
		}
		if _, stillInflight := q.inflight[ref.batch.id]; stillInflight {
			// Already sent; settle now so the caller sees cancellation
			// immediately. The later distribute step's settle() is a
			// no-op thanks to sync.Once.
			ref.task.settle("", reason)
			continue
		}
		removeTask(ref.batch, ref.task)
		ref.task.settle("", reason)
		delete(q.tasksByID, id)
	}
}

func removeTask(batch *pendingBatch, t *Task) {
	for i, candidate := range batch.tasks {
		if candidate == t {
			batch.tasks = append(batch.tasks[:i], batch.tasks[i+1:]...)
			batch.charTotal -= len(t.Text)
			if batch.charTotal < 0 {
				batch.charTotal = 0
			}
			return
		}
	}
}

func splitFragments(combined string) []string {
	parts := strings.Split(combined, model.Separator)
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

func compoundHash(texts []string) string {
	h := sha256.New()
	for _, t := range texts {
		_, _ = h.Write([]byte(t))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
