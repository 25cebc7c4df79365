package dispatcher

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/immersive-translate/dispatch-core/internal/batchqueue"
	"github.com/immersive-translate/dispatch-core/internal/cache"
	"github.com/immersive-translate/dispatch-core/internal/chatpool"
	"github.com/immersive-translate/dispatch-core/internal/genai"
	"github.com/immersive-translate/dispatch-core/internal/model"
	"github.com/immersive-translate/dispatch-core/internal/requestqueue"
)

func newTestDispatcher(t *testing.T, llmBatch LLMBatchFn) (*Dispatcher, *cache.Cache) {
	t.Helper()
	c, err := cache.Open(filepath.Join(t.TempDir(), "cache.bolt"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	rq := requestqueue.New(requestqueue.Config{RatePerSecond: 1000, Capacity: 1000, TimeoutMs: 5000, MaxRetries: 1, BaseRetryDelayMs: 5, MaxRetryDelayMs: 50})
	t.Cleanup(rq.Close)

	reg := NewProviderRegistry()
	if llmBatch == nil {
		llmBatch = func(ctx context.Context, p model.ProviderConfig, lang model.LangConfig, combined string, count int) (string, error) {
			return strings.ToUpper(combined), nil
		}
	}
	bq := batchqueue.New(batchqueue.Config{
		MaxCharactersPerBatch: 1000, MaxItemsPerBatch: 10, BatchDelay: 5 * time.Millisecond, MaxRetries: 1, FallbackToIndividual: true,
	}, rq, NewLLMExecutor(reg, llmBatch), NewLLMIndividualExecutor(reg, func(ctx context.Context, p model.ProviderConfig, lang model.LangConfig, text, hash string) (string, error) {
		return strings.ToUpper(text), nil
	}))

	pool := chatpool.New(nil, 2, time.Hour)

	d := New(Config{MaxSlotsPerKey: 2, MaxRecoveryAttempts: 3, PollBaseInterval: 5 * time.Millisecond, PollMaxBackoffMultiplier: 4, PollTimeout: time.Second},
		c, rq, bq, pool, reg,
		func(baseURL string) *genai.Client { return genai.NewClient(baseURL, nil) },
		func(ctx context.Context, req model.TranslationRequest) (string, error) { return strings.ToUpper(req.Text), nil },
	)
	return d, c
}

func TestEnqueueTranslateRequestCacheHit(t *testing.T) {
	d, c := newTestDispatcher(t, func(ctx context.Context, p model.ProviderConfig, lang model.LangConfig, combined string, count int) (string, error) {
		t.Fatalf("provider should not be invoked on a cache hit")
		return "", nil
	})
	if err := c.Put("H1", model.CacheEntry{Translated: "你好", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	req := model.TranslationRequest{
		Text: "hi", Hash: "H1", ClientRequestID: "r1",
		Provider: model.ProviderConfig{ID: "p1", Kind: model.ProviderKindLLM},
		Lang:     model.LangConfig{Source: "en", Target: "zh"},
	}
	got, err := d.EnqueueTranslateRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got != "你好" {
		t.Fatalf("got %q want 你好", got)
	}
	if snap := d.Metrics(); snap.CacheHits != 1 {
		t.Fatalf("expected one cache hit, got %d", snap.CacheHits)
	}
}

func TestEnqueueTranslateRequestLLMRoutesThroughBatchQueue(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	req := model.TranslationRequest{
		Text: "hello", Hash: "H2", ClientRequestID: "r2",
		Provider: model.ProviderConfig{ID: "p1", Kind: model.ProviderKindLLM},
		Lang:     model.LangConfig{Source: "en", Target: "zh"},
	}
	got, err := d.EnqueueTranslateRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got != "HELLO" {
		t.Fatalf("got %q want HELLO", got)
	}

	entry, ok, err := d.cache.Get("H2")
	if err != nil || !ok {
		t.Fatalf("expected cache entry written after success, ok=%v err=%v", ok, err)
	}
	if entry.Translated != "HELLO" {
		t.Fatalf("cached %q want HELLO", entry.Translated)
	}
}

func TestEnqueueTranslateRequestSimpleProvider(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	req := model.TranslationRequest{
		Text: "plain", ClientRequestID: "r3",
		Provider: model.ProviderConfig{ID: "p2", Kind: model.ProviderKindSimple},
	}
	got, err := d.EnqueueTranslateRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got != "PLAIN" {
		t.Fatalf("got %q want PLAIN", got)
	}
}

func TestCancelTabRemovesPendingBatchEntries(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	// A long batch delay so the entry is still pending when we cancel.
	d.SetTranslateBatchQueueConfig(batchqueue.Config{
		MaxCharactersPerBatch: 1000, MaxItemsPerBatch: 10, BatchDelay: 200 * time.Millisecond, MaxRetries: 1, FallbackToIndividual: true,
	})

	req := model.TranslationRequest{
		Text: "hello", Hash: "H3", ClientRequestID: "tab-req-1", TabID: "tab-7",
		Provider: model.ProviderConfig{ID: "p1", Kind: model.ProviderKindLLM},
		Lang:     model.LangConfig{Source: "en", Target: "zh"},
	}

	resultC := make(chan error, 1)
	go func() {
		_, err := d.EnqueueTranslateRequest(context.Background(), req)
		resultC <- err
	}()

	time.Sleep(20 * time.Millisecond)
	d.CancelTab("tab-7")

	select {
	case err := <-resultC:
		if err == nil {
			t.Fatalf("expected cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for cancelled request to settle")
	}

	if _, ok, _ := d.cache.Get("H3"); ok {
		t.Fatalf("no cache entry should be written for a cancelled request")
	}
}
