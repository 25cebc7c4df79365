// Package config loads and hot-reloads the dispatch core's YAML
// configuration: provider base URLs, queue/pool defaults, the cache
// path and log settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/immersive-translate/dispatch-core/internal/model"
)

// Config is the top-level configuration loaded from disk.
type Config struct {
	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`

	// LogDir, when non-empty, switches logging to a rotating file under
	// this directory instead of stdout.
	LogDir string `yaml:"log-dir"`

	// ProxyURL is an optional SOCKS5/HTTP/HTTPS proxy used by the
	// injected HTTP client for all provider calls.
	ProxyURL string `yaml:"proxy-url"`

	// CachePath is the bbolt database file backing the content-addressed
	// translation cache.
	CachePath string `yaml:"cache-path"`

	// RequestQueue holds the token-bucket + retry defaults for component
	// A/B, overridable at runtime via setTranslateRequestQueueConfig.
	RequestQueue RequestQueueConfig `yaml:"request-queue"`

	// BatchQueue holds the batch-coalescing defaults for component C,
	// overridable at runtime via setTranslateBatchQueueConfig.
	BatchQueue BatchQueueConfig `yaml:"batch-queue"`

	// ChatPool holds the GenAI chat-pool defaults for component E.
	ChatPool ChatPoolConfig `yaml:"chat-pool"`

	// GenAI holds provider-facing endpoint and polling defaults for
	// component F.
	GenAI GenAIConfig `yaml:"genai"`

	// HTTPAddr is the address the harness's local IPC shim listens on.
	HTTPAddr string `yaml:"http-addr"`

	// Providers seeds the dispatcher.ProviderRegistry at startup so
	// batchqueue and chat-pool keys that arrive before a client's first
	// enqueueTranslateRequest (e.g. a warm-up) can still resolve.
	Providers []ProviderEntry `yaml:"providers"`
}

// ProviderEntry is one statically configured provider endpoint.
type ProviderEntry struct {
	ID      string `yaml:"id"`
	Kind    string `yaml:"kind"` // "llm", "genai", or "simple"
	BaseURL string `yaml:"base-url"`
	ModelID string `yaml:"model-id"`
	Purpose string `yaml:"purpose"` // "translate" or "read", genai only
}

// ToProviderConfig converts a configured entry into the runtime
// model.ProviderConfig the dispatcher and batch queue key off of.
func (e ProviderEntry) ToProviderConfig() model.ProviderConfig {
	kind := model.ProviderKindLLM
	switch e.Kind {
	case "genai":
		kind = model.ProviderKindGenAI
	case "simple":
		kind = model.ProviderKindSimple
	}
	purpose := model.PurposeTranslate
	if e.Purpose == string(model.PurposeRead) {
		purpose = model.PurposeRead
	}
	return model.ProviderConfig{ID: e.ID, Kind: kind, BaseURL: e.BaseURL, ModelID: e.ModelID, Purpose: purpose}
}

// RequestQueueConfig is the mutable subset of component A/B settings.
type RequestQueueConfig struct {
	RatePerSecond    float64 `yaml:"rate"`
	Capacity         int     `yaml:"capacity"`
	TimeoutMs        int64   `yaml:"timeout-ms"`
	MaxRetries       int     `yaml:"max-retries"`
	BaseRetryDelayMs int64   `yaml:"base-retry-delay-ms"`
	MaxRetryDelayMs  int64   `yaml:"max-retry-delay-ms"`
}

// BatchQueueConfig is the mutable subset of component C settings.
type BatchQueueConfig struct {
	MaxCharactersPerBatch int   `yaml:"max-characters-per-batch"`
	MaxItemsPerBatch      int   `yaml:"max-items-per-batch"`
	BatchDelayMs          int64 `yaml:"batch-delay-ms"`
	MaxRetries            int   `yaml:"max-retries"`
	FallbackToIndividual  bool  `yaml:"fallback-to-individual"`
}

// ChatPoolConfig bounds component E's per-key slot pool.
type ChatPoolConfig struct {
	MaxSlotsPerKey int           `yaml:"max-slots-per-key"`
	IdleTTL        time.Duration `yaml:"idle-ttl"`
	PersistPath    string        `yaml:"persist-path"`
}

// GenAIConfig holds component F's endpoint and backoff tuning.
type GenAIConfig struct {
	MaxRecoveryAttempts          int           `yaml:"max-recovery-attempts"`
	PollBaseIntervalMs           int64         `yaml:"poll-base-interval-ms"`
	PollMaxBackoffMultiplier     int           `yaml:"poll-max-backoff-multiplier"`
	PollTimeoutMs                int64         `yaml:"poll-timeout-ms"`
	SessionProbeEnabled          bool          `yaml:"session-probe-enabled"`
	SessionProbeCacheTTL         time.Duration `yaml:"session-probe-cache-ttl"`
}

// Default returns a configuration populated with the spec's documented
// defaults (spec.md §4, §5, §9, GLOSSARY).
func Default() *Config {
	return &Config{
		CachePath: "dispatch-cache.bolt",
		HTTPAddr:  "127.0.0.1:8765",
		RequestQueue: RequestQueueConfig{
			RatePerSecond:    5,
			Capacity:         10,
			TimeoutMs:        30_000,
			MaxRetries:       3,
			BaseRetryDelayMs: 500,
			MaxRetryDelayMs:  30_000,
		},
		BatchQueue: BatchQueueConfig{
			MaxCharactersPerBatch: 4000,
			MaxItemsPerBatch:      20,
			BatchDelayMs:          10,
			MaxRetries:            3,
			FallbackToIndividual:  true,
		},
		ChatPool: ChatPoolConfig{
			MaxSlotsPerKey: 4,
			IdleTTL:        30 * time.Minute,
			PersistPath:    "genai-chat-pool.bolt",
		},
		GenAI: GenAIConfig{
			MaxRecoveryAttempts:      3,
			PollBaseIntervalMs:       500,
			PollMaxBackoffMultiplier: 8,
			PollTimeoutMs:            60_000,
			SessionProbeEnabled:      true,
			SessionProbeCacheTTL:     5 * time.Minute,
		},
	}
}

// Load reads a YAML configuration file, applying it over Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
