package dispatcher

import "sync/atomic"

// Metrics holds the dispatcher's in-process counters: cache hit/miss
// and cumulative per-route request counts (LLM, GenAI, simple), exposed
// as plain atomics for a harness /debug endpoint to poll. The route
// counts only grow; they are not a current queue depth. poolWaiters is
// never incremented, so PoolWaiters always reads 0. This is
// deliberately not a telemetry transport.
type Metrics struct {
	cacheHits   int64
	cacheMisses int64
	llmEnqueued int64
	genaiCalls  int64
	simpleCalls int64
	poolWaiters int64
}

// Snapshot is a point-in-time copy of Metrics suitable for JSON
// rendering.
type Snapshot struct {
	CacheHits   int64 `json:"cacheHits"`
	CacheMisses int64 `json:"cacheMisses"`
	LLMEnqueued int64 `json:"llmEnqueued"`
	GenAICalls  int64 `json:"genaiCalls"`
	SimpleCalls int64 `json:"simpleCalls"`
	PoolWaiters int64 `json:"poolWaiters"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		CacheHits:   atomic.LoadInt64(&m.cacheHits),
		CacheMisses: atomic.LoadInt64(&m.cacheMisses),
		LLMEnqueued: atomic.LoadInt64(&m.llmEnqueued),
		GenAICalls:  atomic.LoadInt64(&m.genaiCalls),
		SimpleCalls: atomic.LoadInt64(&m.simpleCalls),
		PoolWaiters: atomic.LoadInt64(&m.poolWaiters),
	}
}
