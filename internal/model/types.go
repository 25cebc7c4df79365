// Package model holds the data types shared across the dispatch core:
// translation requests, cache entries, chunk metadata and the small
// value objects the queue, batch and provider layers pass between
// each other. Nothing in this package performs I/O.
package model

import "time"

// ProviderKind classifies how the dispatcher routes a request.
type ProviderKind int

const (
	// ProviderKindLLM is a generic batching LLM provider routed through
	// the batch queue.
	ProviderKindLLM ProviderKind = iota
	// ProviderKindGenAI is the stateful conversational provider routed
	// through the chat pool and GenAI driver.
	ProviderKindGenAI
	// ProviderKindSimple bypasses batching and dedupe is still honored,
	// but no batch coalescing applies; it goes straight to the request queue.
	ProviderKindSimple
)

// Purpose distinguishes chat-pool keys used for translation from those
// used for article reading/summarization.
type Purpose string

const (
	PurposeTranslate Purpose = "translate"
	PurposeRead      Purpose = "read"
)

// ProviderConfig names a provider endpoint and how it should be dispatched.
type ProviderConfig struct {
	ID      string
	Kind    ProviderKind
	BaseURL string
	ModelID string
	Purpose Purpose
}

// LangConfig carries the source/target language pair for a request.
type LangConfig struct {
	Source string
	Target string
}

// ArticleContext is the optional page-level context attached to a request.
type ArticleContext struct {
	Title   string
	Summary string
}

// ChunkMetadata describes a snippet's place within a larger page-walk group.
type ChunkMetadata struct {
	GroupID        string
	Index          int // 1-based
	Total          int
	RawChars       int
	CleanChars     int
	StrippedMarkup bool
}

// TranslationRequest is the unit of work flowing from callers into the core.
type TranslationRequest struct {
	Text            string
	Lang            LangConfig
	Provider        ProviderConfig
	Hash            string
	ScheduleAt      time.Time
	Article         *ArticleContext
	Chunk           *ChunkMetadata
	ClientRequestID string
	TabID           string // empty means unowned
}

// ChunkMetric is the optional instrumentation record attached to a cache entry.
type ChunkMetric struct {
	RawChars       int
	CleanChars     int
	StrippedMarkup bool
	ProviderID     string
	LatencyMs      int64
	Hostname       string
	Mode           string
}

// CacheEntry is the persisted result of a successful translation.
type CacheEntry struct {
	Translated string
	CreatedAt  time.Time
	Metric     *ChunkMetric
}

// Separator is the well-known join sequence used to coalesce multiple
// snippets into one provider payload, and to split the combined reply
// back into per-task fragments (spec.md §4.C, §4.F.1).
const Separator = "\n\n[[SEP]]\n\n"
