// Package dispatcher implements component H (spec.md §4.H): the
// dispatch core's entry point. It registers per-client cancellation,
// consults the cache, classifies the provider and routes the request
// through the batch queue, the GenAI driver, or the plain request
// queue, and writes the cache on success.
package dispatcher

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/immersive-translate/dispatch-core/internal/batchqueue"
	"github.com/immersive-translate/dispatch-core/internal/cache"
	"github.com/immersive-translate/dispatch-core/internal/chatpool"
	"github.com/immersive-translate/dispatch-core/internal/genai"
	"github.com/immersive-translate/dispatch-core/internal/model"
	"github.com/immersive-translate/dispatch-core/internal/requestqueue"
)

// LLMBatchFn issues one generic-LLM provider call for a combined batch
// payload. It is the injected network transport spec.md §1 excludes
// from the core's scope.
type LLMBatchFn func(ctx context.Context, provider model.ProviderConfig, lang model.LangConfig, combinedText string, taskCount int) (string, error)

// LLMIndividualFn issues one generic-LLM provider call for a single
// fallback task.
type LLMIndividualFn func(ctx context.Context, provider model.ProviderConfig, lang model.LangConfig, text, hash string) (string, error)

// SimpleFn issues one direct provider call for a ProviderKindSimple
// request, bypassing batching entirely.
type SimpleFn func(ctx context.Context, req model.TranslationRequest) (string, error)

// GenAIBatchChunk is one element of an enqueueGenAIBatch request
// (spec.md §6).
type GenAIBatchChunk struct {
	Text     string
	Hash     string
	Metadata *model.ChunkMetadata
}

// GenAIBatchRequest is the enqueueGenAIBatch message payload.
type GenAIBatchRequest struct {
	Chunks          []GenAIBatchChunk
	Lang            model.LangConfig
	Provider        model.ProviderConfig
	ScheduleAt      time.Time
	ClientRequestID string
	TabID           string
	Article         *model.ArticleContext
}

// driverKey identifies a cached genai.Driver instance.
type driverKey struct {
	providerID string
	baseURL    string
	purpose    string
	modelID    string
}

// Config bounds the dispatcher's own behavior (independent of the
// request/batch queue configs it forwards reconfiguration calls to).
type Config struct {
	MaxSlotsPerKey           int
	MaxRecoveryAttempts      int
	PollBaseInterval         time.Duration
	PollMaxBackoffMultiplier int
	PollTimeout              time.Duration
	SessionProbeEnabled      bool
	SessionProbeCacheTTL     time.Duration
}

// Dispatcher is the process-wide entry point, component H.
type Dispatcher struct {
	cfg Config

	cache        *cache.Cache
	requestQueue *requestqueue.Queue
	batchQueue   *batchqueue.Queue
	pool         *chatpool.Pool

	genaiClient func(baseURL string) *genai.Client
	simple      SimpleFn

	providers *ProviderRegistry
	registry  *cancelRegistry
	metrics   Metrics

	mu           sync.Mutex
	drivers      map[driverKey]*genai.Driver
	genaiBacklog map[string]int64 // chatpool.PoolKey -> in-flight calls
}

// New builds a dispatcher over already-constructed shared
// infrastructure. genaiClientFactory builds (or returns a cached)
// *genai.Client for a base URL, carrying whatever injected *http.Client
// the caller configured (proxy, cookie jar, ...). reg must be the same
// ProviderRegistry used to build bq's Executor/IndividualExecutor via
// NewLLMExecutor/NewLLMIndividualExecutor.
func New(
	cfg Config,
	c *cache.Cache,
	rq *requestqueue.Queue,
	bq *batchqueue.Queue,
	pool *chatpool.Pool,
	reg *ProviderRegistry,
	genaiClientFactory func(baseURL string) *genai.Client,
	simple SimpleFn,
) *Dispatcher {
	return &Dispatcher{
		cfg:          cfg,
		cache:        c,
		requestQueue: rq,
		batchQueue:   bq,
		pool:         pool,
		genaiClient:  genaiClientFactory,
		simple:       simple,
		providers:    reg,
		registry:     newCancelRegistry(),
		drivers:      make(map[driverKey]*genai.Driver),
		genaiBacklog: make(map[string]int64),
	}
}

// Metrics returns a snapshot of the dispatcher's in-process counters.
func (d *Dispatcher) Metrics() Snapshot { return d.metrics.Snapshot() }

// Close closes the shared request queue: tasks still waiting for
// admission fail with context.Canceled, and tasks already running are
// not waited for. It does not flush chat-pool persistence; that happens
// in chatpool.Store.Close.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.requestQueue.Close()
	return nil
}

// EnqueueTranslateRequest implements the enqueueTranslateRequest message
// (spec.md §6, §4.H).
func (d *Dispatcher) EnqueueTranslateRequest(ctx context.Context, req model.TranslationRequest) (string, error) {
	d.providers.Set(req.Provider)
	cancel := d.registry.register(req.ClientRequestID, req.TabID)
	defer d.registry.release(req.ClientRequestID)

	if req.Hash != "" {
		if entry, ok, err := d.cache.Get(req.Hash); err == nil && ok {
			atomicAdd(&d.metrics.cacheHits, 1)
			return entry.Translated, nil
		}
		atomicAdd(&d.metrics.cacheMisses, 1)
	}

	text, err := d.routeSingle(ctx, req, cancel)
	if err != nil {
		return "", err
	}
	d.writeCache(req.Hash, text, req)
	return text, nil
}

func (d *Dispatcher) routeSingle(ctx context.Context, req model.TranslationRequest, cancel <-chan struct{}) (string, error) {
	switch req.Provider.Kind {
	case model.ProviderKindLLM:
		return d.routeLLM(ctx, req)
	case model.ProviderKindGenAI:
		return d.routeGenAI(ctx, req, cancel)
	default:
		atomicAdd(&d.metrics.simpleCalls, 1)
		v, err := d.requestQueue.Enqueue(ctx, func(ctx context.Context) (any, error) {
			return d.simple(ctx, req)
		}, req.ScheduleAt, req.Hash)
		if err != nil {
			return "", err
		}
		text, _ := v.(string)
		return text, nil
	}
}

func (d *Dispatcher) routeLLM(ctx context.Context, req model.TranslationRequest) (string, error) {
	atomicAdd(&d.metrics.llmEnqueued, 1)
	key := batchqueue.Key{Source: req.Lang.Source, Target: req.Lang.Target, ProviderID: req.Provider.ID}
	budget := 0
	task := batchqueue.NewTask(req.ClientRequestID, req.ClientRequestID, req.Text, req.Hash, budget)
	d.batchQueue.Enqueue(ctx, task, key)
	return task.Wait(ctx)
}

// routeGenAI handles the single-request GenAI path, with backlog-aware
// pool warm-up (spec.md §4.H step 3 "desiredSlots = clamp(ceil(backlog /
// 2), 1, MaxSlotsPerKey)").
func (d *Dispatcher) routeGenAI(ctx context.Context, req model.TranslationRequest, cancel <-chan struct{}) (string, error) {
	atomicAdd(&d.metrics.genaiCalls, 1)
	driver := d.driverFor(req.Provider)

	poolKey := chatpool.PoolKey(req.Provider.ID, string(req.Provider.Purpose), req.Provider.BaseURL)
	backlog := d.bumpBacklog(poolKey, 1)
	defer d.bumpBacklog(poolKey, -1)

	desired := int(math.Ceil(float64(backlog) / 2))
	if desired < 1 {
		desired = 1
	}
	if desired > d.cfg.MaxSlotsPerKey {
		desired = d.cfg.MaxSlotsPerKey
	}
	driver.WarmUp(ctx, desired)

	return driver.Translate(ctx, buildGenAIPrompt(req.Article, req.Text), cancel)
}

func (d *Dispatcher) bumpBacklog(poolKey string, delta int64) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.genaiBacklog[poolKey] += delta
	return d.genaiBacklog[poolKey]
}

func (d *Dispatcher) driverFor(p model.ProviderConfig) *genai.Driver {
	key := driverKey{providerID: p.ID, baseURL: p.BaseURL, purpose: string(p.Purpose), modelID: p.ModelID}

	d.mu.Lock()
	if drv, ok := d.drivers[key]; ok {
		d.mu.Unlock()
		return drv
	}
	d.mu.Unlock()

	client := d.genaiClient(p.BaseURL)
	drv := genai.NewDriver(
		client, d.pool, p.ID, p.BaseURL, string(p.Purpose), p.ModelID,
		d.cfg.MaxRecoveryAttempts,
		genai.PollConfig{BaseInterval: d.cfg.PollBaseInterval, MaxBackoffMultiplier: d.cfg.PollMaxBackoffMultiplier, Timeout: d.cfg.PollTimeout},
		d.cfg.SessionProbeEnabled, d.cfg.SessionProbeCacheTTL,
	)

	d.mu.Lock()
	if existing, ok := d.drivers[key]; ok {
		d.mu.Unlock()
		return existing
	}
	d.drivers[key] = drv
	d.mu.Unlock()
	return drv
}

// EnqueueGenAIBatch implements the enqueueGenAIBatch message: the
// driver joins the chunks into one prompt, and on an unrecoverable or
// twice-failed batch attempt falls back to per-chunk Translate calls,
// reusing any cache entries already populated for chunks whose hashes
// hit (spec.md §4.F.1).
func (d *Dispatcher) EnqueueGenAIBatch(ctx context.Context, req GenAIBatchRequest) ([]string, error) {
	d.providers.Set(req.Provider)
	cancel := d.registry.register(req.ClientRequestID, req.TabID)
	defer d.registry.release(req.ClientRequestID)

	results := make([]string, len(req.Chunks))
	pending := make([]int, 0, len(req.Chunks))
	for i, c := range req.Chunks {
		if c.Hash != "" {
			if entry, ok, err := d.cache.Get(c.Hash); err == nil && ok {
				atomicAdd(&d.metrics.cacheHits, 1)
				results[i] = entry.Translated
				continue
			}
			atomicAdd(&d.metrics.cacheMisses, 1)
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return results, nil
	}

	driver := d.driverFor(req.Provider)
	poolKey := chatpool.PoolKey(req.Provider.ID, string(req.Provider.Purpose), req.Provider.BaseURL)
	backlog := d.bumpBacklog(poolKey, int64(len(pending)))
	defer d.bumpBacklog(poolKey, -int64(len(pending)))
	desired := clampInt(int(math.Ceil(float64(backlog)/2)), 1, d.cfg.MaxSlotsPerKey)
	driver.WarmUp(ctx, desired)

	texts := make([]string, len(pending))
	for j, idx := range pending {
		texts[j] = req.Chunks[idx].Text
	}
	systemContext := buildGenAIPrompt(req.Article, "")

	fragments, err := driver.TranslateBatch(ctx, texts, systemContext, cancel)
	if err == nil {
		for j, idx := range pending {
			results[idx] = fragments[j]
			d.writeCache(req.Chunks[idx].Hash, fragments[j], model.TranslationRequest{Provider: req.Provider})
		}
		return results, nil
	}

	log.Warnf("dispatcher: genai batch failed, falling back to individual: %v", err)
	return d.genaiIndividualFallback(ctx, req, pending, results, driver, cancel)
}

func (d *Dispatcher) genaiIndividualFallback(ctx context.Context, req GenAIBatchRequest, pending []int, results []string, driver *genai.Driver, cancel <-chan struct{}) ([]string, error) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, idx := range pending {
		idx := idx
		chunk := req.Chunks[idx]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if chunk.Hash != "" {
				if entry, ok, err := d.cache.Get(chunk.Hash); err == nil && ok {
					mu.Lock()
					results[idx] = entry.Translated
					mu.Unlock()
					return
				}
			}
			text, err := driver.Translate(ctx, buildGenAIPrompt(req.Article, chunk.Text), cancel)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			d.writeCache(chunk.Hash, text, model.TranslationRequest{Provider: req.Provider})
			mu.Lock()
			results[idx] = text
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results, firstErr
}

func (d *Dispatcher) writeCache(hash, translated string, req model.TranslationRequest) {
	if hash == "" {
		return
	}
	entry := model.CacheEntry{Translated: translated, CreatedAt: time.Now()}
	if req.Chunk != nil {
		entry.Metric = &model.ChunkMetric{
			RawChars: req.Chunk.RawChars, CleanChars: req.Chunk.CleanChars,
			StrippedMarkup: req.Chunk.StrippedMarkup, ProviderID: req.Provider.ID,
		}
	}
	if _, err := d.cache.PutIfAbsent(hash, entry); err != nil {
		log.Warnf("dispatcher: cache write failed for %s: %v", hash, err)
	}
}

// CancelRequest cancels a single in-flight client request (spec.md §5
// "A clientRequestId is the unit of cancellation").
func (d *Dispatcher) CancelRequest(clientRequestID string) {
	d.registry.cancel(clientRequestID)
	d.batchQueue.CancelTasks(func(id string) bool { return id == clientRequestID }, model.ErrCancelled)
}

// CancelTab fans tab closure out to every clientRequestId the tab owns
// (spec.md §4.H "Tab-close signal").
func (d *Dispatcher) CancelTab(tabID string) {
	ids := d.registry.cancelTab(tabID)
	if len(ids) == 0 {
		return
	}
	owned := make(map[string]bool, len(ids))
	for _, id := range ids {
		owned[id] = true
	}
	d.batchQueue.CancelTasks(func(id string) bool { return owned[id] }, model.ErrCancelled)
}

// SetTranslateRequestQueueConfig implements the matching §6 message.
func (d *Dispatcher) SetTranslateRequestQueueConfig(cfg requestqueue.Config) {
	d.requestQueue.Reconfigure(cfg)
}

// SetTranslateBatchQueueConfig implements the matching §6 message.
func (d *Dispatcher) SetTranslateBatchQueueConfig(cfg batchqueue.Config) {
	d.batchQueue.Reconfigure(cfg)
}

// ScalePool exposes component E's warm-up scaling standalone (spec.md's
// supplemented "Chat pool warm-up scaling API" feature), for an operator
// to pre-warm a pool key ahead of a traffic spike.
func (d *Dispatcher) ScalePool(ctx context.Context, p model.ProviderConfig, desired int) {
	driver := d.driverFor(p)
	driver.WarmUp(ctx, desired)
}

func buildGenAIPrompt(article *model.ArticleContext, text string) string {
	if article == nil {
		return text
	}
	prefix := ""
	if article.Title != "" {
		prefix += "Title: " + article.Title + "\n"
	}
	if article.Summary != "" {
		prefix += "Summary: " + article.Summary + "\n"
	}
	if prefix == "" {
		return text
	}
	if text == "" {
		return prefix
	}
	return fmt.Sprintf("%s\n%s", prefix, text)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func atomicAdd(p *int64, delta int64) { atomic.AddInt64(p, delta) }
