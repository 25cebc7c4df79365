package genai

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/immersive-translate/dispatch-core/internal/chatpool"
	"github.com/immersive-translate/dispatch-core/internal/model"
	"github.com/immersive-translate/dispatch-core/internal/sse"
)

// errRetryReset is the internal "reset=true; continue" signal from the
// spec.md §4.F pseudocode's inner try blocks. It never escapes Translate.
var errRetryReset = errors.New("genai: chat needs reset")

// PollConfig bounds pollMessageContent's exponential backoff and
// wall-clock timeout (spec.md §4.F "pollMessageContent").
type PollConfig struct {
	BaseInterval         time.Duration
	MaxBackoffMultiplier int
	Timeout              time.Duration
}

// Driver runs the per-call GenAI state machine (spec.md §4.F) against
// one provider, reusing chat slots from pool.
type Driver struct {
	client   *Client
	pool     *chatpool.Pool
	provider string
	baseURL  string
	purpose  string
	modelID  string

	maxRecoveryAttempts int
	poll                PollConfig

	sessionProbeEnabled bool
	sessionProbeTTL     time.Duration
	probeMu             sync.Mutex
	probedUntil         time.Time
	probeFailed         bool
}

// NewDriver builds a driver bound to one (provider, baseURL, purpose,
// modelID) combination; the chat pool is shared across drivers keyed by
// those same dimensions. When probeEnabled is set, a session-liveness
// probe (spec.md §6 "Session liveness probe") gates createChat and its
// result is cached for probeTTL so a hot pool key does not re-probe on
// every provisioning call.
func NewDriver(client *Client, pool *chatpool.Pool, providerID, baseURL, purpose, modelID string, maxRecoveryAttempts int, poll PollConfig, probeEnabled bool, probeTTL time.Duration) *Driver {
	return &Driver{
		client: client, pool: pool, provider: providerID, baseURL: baseURL, purpose: purpose, modelID: modelID,
		maxRecoveryAttempts: maxRecoveryAttempts, poll: poll,
		sessionProbeEnabled: probeEnabled, sessionProbeTTL: probeTTL,
	}
}

func (d *Driver) createChat(ctx context.Context) (string, error) {
	if err := d.ensureSessionLive(ctx); err != nil {
		return "", err
	}
	return d.client.CreateChat(ctx)
}

// ensureSessionLive runs the session probe at most once per
// sessionProbeTTL window, short-circuiting createChat with
// ErrSessionExpired on a failed probe instead of letting the chat-create
// call itself fail.
func (d *Driver) ensureSessionLive(ctx context.Context) error {
	if !d.sessionProbeEnabled {
		return nil
	}

	d.probeMu.Lock()
	if time.Now().Before(d.probedUntil) {
		failed := d.probeFailed
		d.probeMu.Unlock()
		if failed {
			return model.ErrSessionExpired
		}
		return nil
	}
	d.probeMu.Unlock()

	ok, err := d.client.ProbeSession(ctx)

	d.probeMu.Lock()
	d.probedUntil = time.Now().Add(d.sessionProbeTTL)
	d.probeFailed = err != nil || !ok
	failed := d.probeFailed
	d.probeMu.Unlock()

	if failed {
		return model.ErrSessionExpired
	}
	return nil
}

// WarmUp provisions up to desiredSlots non-busy slots ahead of demand,
// never growing the pool key past its MaxSlotsPerKey total
// (spec.md §4.H "backlog-aware pool warm-up").
func (d *Driver) WarmUp(ctx context.Context, desiredSlots int) {
	d.pool.Scale(ctx, d.provider, d.baseURL, d.purpose, desiredSlots, d.createChat)
}

// Translate runs the outer recovery loop: each iteration acquires a
// slot, attempts one full turn, and either returns, resets the chat and
// retries, or propagates a terminal error (spec.md §4.F).
func (d *Driver) Translate(ctx context.Context, content string, cancel <-chan struct{}) (string, error) {
	for attempt := 0; attempt < d.maxRecoveryAttempts; attempt++ {
		lease, err := d.pool.Acquire(ctx, d.provider, d.baseURL, d.purpose, d.createChat)
		if err != nil {
			return "", err
		}

		text, rerr := d.runAttempt(ctx, lease, content, cancel)
		switch {
		case rerr == nil:
			lease.Release()
			return text, nil
		case errors.Is(rerr, errRetryReset):
			d.resetChat(lease)
			continue
		case model.IsCancelled(rerr):
			d.resetChat(lease)
			return "", rerr
		case shouldInvalidateSlot(rerr):
			d.resetChat(lease)
			return "", rerr
		default:
			lease.Release()
			return "", rerr
		}
	}
	return "", model.ErrExhaustedRecovery
}

func (d *Driver) resetChat(lease *chatpool.Lease) {
	d.client.DeleteChat(context.Background(), lease.ChatID())
	lease.Invalidate()
}

// runAttempt is one iteration of the outer loop's try block: it clears
// any dangling pendingMessageId, sends the user turn (retrying once on
// a busy parent), streams and polls the assistant reply, and updates
// the lease's parent/pending ids on success.
func (d *Driver) runAttempt(ctx context.Context, lease *chatpool.Lease, content string, cancel <-chan struct{}) (string, error) {
	if pending := lease.PendingMessageID(); pending != "" {
		_, completed, err := d.pollMessageContent(ctx, pending, "", cancel)
		if model.IsCancelled(err) {
			return "", err
		}
		if err != nil || !completed {
			return "", errRetryReset
		}
		lease.SetPendingMessageID("")
	}

	parent := lease.ParentMessageID()
	parentWaitAttempted := false
	for {
		userID, err := d.client.SendMessage(ctx, lease.ChatID(), content, parent)
		if err != nil {
			var pending *model.PendingResponse
			if errors.As(err, &pending) {
				if parent != "" && !parentWaitAttempted {
					_, _, _ = d.pollMessageContent(ctx, parent, "", cancel)
					parentWaitAttempted = true
					continue
				}
				return "", errRetryReset
			}
			return "", err
		}

		lease.SetPendingMessageID(userID)
		assistantID, fallback, err := d.awaitAssistantStream(ctx, lease.ChatID(), userID, d.modelID, cancel)
		if err != nil {
			lease.SetPendingMessageID("")
			if errors.Is(err, model.ErrStreamMissingID) {
				return "", err
			}
			if model.IsCancelled(err) {
				return "", err
			}
			return "", errRetryReset
		}

		text, completed, perr := d.pollMessageContent(ctx, assistantID, fallback, cancel)
		lease.SetPendingMessageID("")
		if model.IsCancelled(perr) {
			return "", perr
		}
		if completed {
			lease.SetParentMessageID(assistantID)
			return text, nil
		}
		return "", errRetryReset
	}
}

func (d *Driver) awaitAssistantStream(ctx context.Context, chatID, userMessageID, modelID string, cancel <-chan struct{}) (string, string, error) {
	body, err := d.client.OpenAssistantStream(ctx, chatID, userMessageID, modelID)
	if err != nil {
		return "", "", err
	}
	defer body.Close()
	res, err := sse.DecodeWithCancel(body, cancel)
	if err != nil {
		if model.IsCancelled(err) {
			// Eagerly fire the cancel endpoint; do not await it before
			// re-raising (spec.md §9 "Async cancellation").
			go d.client.CancelMessage(context.Background(), userMessageID)
		}
		return res.ResponseID, res.Fallback, err
	}
	return res.ResponseID, res.Fallback, nil
}

// pollMessageContent implements spec.md §4.F's polling outcomes. A
// non-nil error always means "not completed"; callers that want the
// distinction between a recoverable reset and a terminal failure
// inspect the error with errors.Is/As.
func (d *Driver) pollMessageContent(ctx context.Context, messageID, fallback string, cancel <-chan struct{}) (string, bool, error) {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		select {
		case <-cancel:
			return "", false, model.ErrCancelled
		case <-ctx.Done():
			return "", false, model.ErrCancelled
		default:
		}

		res, err := d.client.PollMessage(ctx, messageID)
		if err == nil && res.Completed {
			return res.Content, true, nil
		}
		if err != nil {
			if isMessageDeleted(err) {
				if fallback != "" {
					return fallback, false, nil
				}
				return "", false, err
			}
			var rf *model.ResponseFailed
			if errors.As(err, &rf) {
				return "", false, err
			}
			if !model.IsRetryable(err) {
				return "", false, err
			}
			// transient: fall through to the backoff-and-retry path
		}

		if time.Since(start) >= d.poll.Timeout {
			if fallback != "" {
				return fallback, false, nil
			}
			return "", false, model.ErrTimeout
		}

		mult := attempt + 1
		if mult > d.poll.MaxBackoffMultiplier {
			mult = d.poll.MaxBackoffMultiplier
		}
		wait := d.poll.BaseInterval * time.Duration(mult)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-cancel:
			timer.Stop()
			return "", false, model.ErrCancelled
		case <-ctx.Done():
			timer.Stop()
			return "", false, model.ErrCancelled
		}
	}
}
