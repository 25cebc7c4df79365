package model

import "errors"

// Sentinel error kinds named in spec.md §7. These are wrapped, never
// compared by string, so callers use errors.Is/errors.As.
var (
	// ErrTimeout marks a task that exceeded its wall-clock deadline.
	ErrTimeout = errors.New("timeout")
	// ErrRetryable marks a transient failure the request queue should retry.
	ErrRetryable = errors.New("retryable")
	// ErrCancelled marks an abort-typed error raised by a client-request
	// cancellation or tab close.
	ErrCancelled = errors.New("cancelled")
	// ErrStreamMissingID is fatal for a single SSE call; the slot is not
	// invalidated because the chat itself may still be reusable.
	ErrStreamMissingID = errors.New("sse stream ended without an id")
	// ErrExhaustedRecovery is surfaced after MaxRecoveryAttempts consecutive
	// chat resets in the GenAI driver.
	ErrExhaustedRecovery = errors.New("genai: exhausted recovery attempts")
	// ErrBatchCountMismatch marks a batch response whose fragment count
	// does not match the input task count.
	ErrBatchCountMismatch = errors.New("batch: result count mismatch")
	// ErrPoolExhausted names a chat-pool key with no free slot and no
	// provisioning budget. The chat pool does not return it: such a caller
	// is parked on the key's wait list instead.
	ErrPoolExhausted = errors.New("chatpool: no slot available")
	// ErrSessionExpired marks a failed session-liveness probe.
	ErrSessionExpired = errors.New("genai: session expired")
)

// PendingResponse models the GenAI server's HTTP 422 CHAT_ERROR_4 signal:
// the conversation's parent message has not finished generating yet.
type PendingResponse struct {
	Code string
}

func (e *PendingResponse) Error() string {
	if e.Code == "" {
		return "genai: pending response"
	}
	return "genai: pending response (" + e.Code + ")"
}

// ResponseFailed models a terminal server-reported failure status or an
// R5xxxx response code observed while polling or streaming.
type ResponseFailed struct {
	Code string
}

func (e *ResponseFailed) Error() string {
	if e.Code == "" {
		return "genai: response failed"
	}
	return "genai: response failed (" + e.Code + ")"
}

// IsRetryable reports whether err should be retried by the request queue.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable) || errors.Is(err, ErrTimeout)
}

// IsCancelled reports whether err originated from a cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
