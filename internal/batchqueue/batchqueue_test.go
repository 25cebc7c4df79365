package batchqueue

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/immersive-translate/dispatch-core/internal/model"
	"github.com/immersive-translate/dispatch-core/internal/requestqueue"
)

func newTestQueue(exec Executor, individual IndividualExecutor, cfg Config) *Queue {
	rq := requestqueue.New(requestqueue.Config{
		RatePerSecond: 1000, Capacity: 1000, TimeoutMs: 5000, MaxRetries: 3, BaseRetryDelayMs: 5, MaxRetryDelayMs: 100,
	})
	return New(cfg, rq, exec, individual)
}

func translateFragment(fragment string) string {
	return strings.ToUpper(fragment)
}

func echoExecutor(calls *int32) Executor {
	return func(ctx context.Context, key Key, combined string, count int) (string, error) {
		atomic.AddInt32(calls, 1)
		parts := strings.Split(combined, model.Separator)
		out := make([]string, len(parts))
		for i, p := range parts {
			out[i] = translateFragment(p)
		}
		return strings.Join(out, model.Separator), nil
	}
}

func TestBatchCoalescingProducesOneCallAndAlignedOutputs(t *testing.T) {
	var calls int32
	q := newTestQueue(echoExecutor(&calls), nil, Config{
		MaxCharactersPerBatch: 1000,
		MaxItemsPerBatch:      3,
		BatchDelay:            10 * time.Millisecond,
		MaxRetries:            3,
		FallbackToIndividual:  true,
	})

	key := Key{Source: "en", Target: "zh", ProviderID: "p1"}
	tasks := []*Task{
		NewTask("1", "c1", "a", "ha", 0),
		NewTask("2", "c1", "b", "hb", 0),
		NewTask("3", "c1", "c", "hc", 0),
	}
	ctx := context.Background()
	for _, tk := range tasks {
		q.Enqueue(ctx, tk, key)
	}

	want := []string{"A", "B", "C"}
	for i, tk := range tasks {
		got, err := tk.Wait(ctx)
		if err != nil {
			t.Fatalf("task %d: unexpected error: %v", i, err)
		}
		if got != want[i] {
			t.Fatalf("task %d: got %q want %q", i, got, want[i])
		}
	}
	if calls != 1 {
		t.Fatalf("expected exactly one provider call, got %d", calls)
	}
}

func TestBatchFallsBackToIndividualOnRepeatedFailure(t *testing.T) {
	var calls int32
	failingExec := func(ctx context.Context, key Key, combined string, count int) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", model.ErrRetryable
	}
	var individualCalls int32
	individual := func(ctx context.Context, key Key, text, hash string) (string, error) {
		atomic.AddInt32(&individualCalls, 1)
		if text == "bad" {
			return "", context.Canceled
		}
		return translateFragment(text), nil
	}

	q := newTestQueue(failingExec, individual, Config{
		MaxCharactersPerBatch: 1000,
		MaxItemsPerBatch:      3,
		BatchDelay:            5 * time.Millisecond,
		MaxRetries:            2,
		FallbackToIndividual:  true,
	})

	key := Key{Source: "en", Target: "zh", ProviderID: "p1"}
	ctx := context.Background()
	tA := NewTask("1", "c1", "a", "ha", 0)
	tB := NewTask("2", "c1", "bad", "hbad", 0)
	tC := NewTask("3", "c1", "c", "hc", 0)
	q.Enqueue(ctx, tA, key)
	q.Enqueue(ctx, tB, key)
	q.Enqueue(ctx, tC, key)

	if got, err := tA.Wait(ctx); err != nil || got != "A" {
		t.Fatalf("tA: got %q err %v", got, err)
	}
	if _, err := tB.Wait(ctx); err == nil {
		t.Fatalf("tB: expected error")
	}
	if got, err := tC.Wait(ctx); err != nil || got != "C" {
		t.Fatalf("tC: got %q err %v", got, err)
	}
	if individualCalls != 3 {
		t.Fatalf("expected 3 individual fallback calls, got %d", individualCalls)
	}
}

func TestBatchFlushesOnItemBudget(t *testing.T) {
	var calls int32
	q := newTestQueue(echoExecutor(&calls), nil, Config{
		MaxCharactersPerBatch: 100000,
		MaxItemsPerBatch:      2,
		BatchDelay:            10 * time.Second, // long enough that only the item budget forces a flush
		MaxRetries:            1,
		FallbackToIndividual:  true,
	})
	key := Key{Source: "en", Target: "zh", ProviderID: "p1"}
	ctx := context.Background()
	t1 := NewTask("1", "c1", "a", "ha", 0)
	t2 := NewTask("2", "c1", "b", "hb", 0)
	q.Enqueue(ctx, t1, key)
	q.Enqueue(ctx, t2, key)

	if _, err := t1.Wait(ctx); err != nil {
		t.Fatalf("t1: %v", err)
	}
	if _, err := t2.Wait(ctx); err != nil {
		t.Fatalf("t2: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected flush triggered by item budget, got %d calls", calls)
	}
}

func TestCancelTasksRemovesPendingEntry(t *testing.T) {
	var calls int32
	q := newTestQueue(echoExecutor(&calls), nil, Config{
		MaxCharactersPerBatch: 1000,
		MaxItemsPerBatch:      10,
		BatchDelay:            200 * time.Millisecond,
		MaxRetries:            1,
		FallbackToIndividual:  true,
	})
	key := Key{Source: "en", Target: "zh", ProviderID: "p1"}
	ctx := context.Background()
	keep := NewTask("1", "keep", "a", "ha", 0)
	drop := NewTask("2", "drop", "b", "hb", 0)
	q.Enqueue(ctx, keep, key)
	q.Enqueue(ctx, drop, key)

	q.CancelTasks(func(clientRequestID string) bool { return clientRequestID == "drop" }, model.ErrCancelled)

	if _, err := drop.Wait(ctx); err == nil {
		t.Fatalf("expected drop to be cancelled")
	}
	got, err := keep.Wait(ctx)
	if err != nil {
		t.Fatalf("keep: unexpected error %v", err)
	}
	if got != "A" {
		t.Fatalf("keep: got %q want A", got)
	}
}

func TestCancelTasksIdempotent(t *testing.T) {
	q := newTestQueue(echoExecutor(new(int32)), nil, Config{
		MaxCharactersPerBatch: 1000, MaxItemsPerBatch: 10, BatchDelay: time.Second, MaxRetries: 1, FallbackToIndividual: true,
	})
	key := Key{Source: "en", Target: "zh", ProviderID: "p1"}
	ctx := context.Background()
	task := NewTask("1", "c1", "a", "ha", 0)
	q.Enqueue(ctx, task, key)

	pred := func(id string) bool { return id == "c1" }
	q.CancelTasks(pred, model.ErrCancelled)
	q.CancelTasks(pred, model.ErrCancelled) // second call is a no-op

	if _, err := task.Wait(ctx); err == nil {
		t.Fatalf("expected cancellation error")
	}
}
