package genai

import (
	"context"
	"errors"
	"strings"

	"github.com/immersive-translate/dispatch-core/internal/model"
)

// IsRecoverableBatchError reports whether a batched-translate failure
// should be retried once before falling back to individual per-chunk
// requests (spec.md §4.F.1 "Error classification").
func IsRecoverableBatchError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrBatchCountMismatch) {
		return true
	}
	var rf *model.ResponseFailed
	if errors.As(err, &rf) {
		return isRecoverableBatchError(rf.Code, rf.Error())
	}
	return recoverableBatchPattern.MatchString(err.Error())
}

// buildBatchPrompt joins chunks with the same separator used by the
// generic-LLM batch queue (§4.C), appending systemContext (e.g. article
// title/summary and per-chunk metadata) ahead of the combined text
// (spec.md §4.F.1 "chunk-metadata context appended to the system
// prompt").
func buildBatchPrompt(systemContext string, chunks []string) string {
	combined := strings.Join(chunks, model.Separator)
	if systemContext == "" {
		return combined
	}
	return systemContext + "\n\n" + combined
}

func splitBatchFragments(combined string) []string {
	parts := strings.Split(combined, model.Separator)
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

// TranslateBatch sends chunks as one combined prompt and asserts the
// response count matches the chunk count, retrying once on a
// recoverable classification (spec.md §4.F.1). A caller whose second
// attempt also fails is expected to fall back to Translate per chunk.
func (d *Driver) TranslateBatch(ctx context.Context, chunks []string, systemContext string, cancel <-chan struct{}) ([]string, error) {
	prompt := buildBatchPrompt(systemContext, chunks)

	fragments, err := d.runBatchOnce(ctx, prompt, len(chunks), cancel)
	if err == nil {
		return fragments, nil
	}
	if !IsRecoverableBatchError(err) {
		return nil, err
	}
	return d.runBatchOnce(ctx, prompt, len(chunks), cancel)
}

func (d *Driver) runBatchOnce(ctx context.Context, prompt string, wantCount int, cancel <-chan struct{}) ([]string, error) {
	text, err := d.Translate(ctx, prompt, cancel)
	if err != nil {
		return nil, err
	}
	fragments := splitBatchFragments(text)
	if len(fragments) != wantCount {
		return nil, model.ErrBatchCountMismatch
	}
	return fragments, nil
}
