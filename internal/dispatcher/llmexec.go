package dispatcher

import (
	"context"
	"fmt"

	"github.com/immersive-translate/dispatch-core/internal/batchqueue"
	"github.com/immersive-translate/dispatch-core/internal/model"
)

func langConfigFromKey(key batchqueue.Key) model.LangConfig {
	return model.LangConfig{Source: key.Source, Target: key.Target}
}

// NewLLMExecutor adapts an LLMBatchFn into a batchqueue.Executor,
// resolving the full provider config for the batch key's provider id
// through reg. Built before the Dispatcher exists so it can be passed
// straight into batchqueue.New (spec.md §1: the generic-LLM wire
// protocol is an injected dependency, not something this package
// implements).
func NewLLMExecutor(reg *ProviderRegistry, fn LLMBatchFn) batchqueue.Executor {
	return func(ctx context.Context, key batchqueue.Key, combined string, count int) (string, error) {
		provider, ok := reg.Get(key.ProviderID)
		if !ok {
			return "", fmt.Errorf("dispatcher: unknown provider %q for batch executor", key.ProviderID)
		}
		lang := langConfigFromKey(key)
		return fn(ctx, provider, lang, combined, count)
	}
}

// NewLLMIndividualExecutor adapts an LLMIndividualFn into a
// batchqueue.IndividualExecutor the same way.
func NewLLMIndividualExecutor(reg *ProviderRegistry, fn LLMIndividualFn) batchqueue.IndividualExecutor {
	return func(ctx context.Context, key batchqueue.Key, text, hash string) (string, error) {
		provider, ok := reg.Get(key.ProviderID)
		if !ok {
			return "", fmt.Errorf("dispatcher: unknown provider %q for individual executor", key.ProviderID)
		}
		lang := langConfigFromKey(key)
		return fn(ctx, provider, lang, text, hash)
	}
}
