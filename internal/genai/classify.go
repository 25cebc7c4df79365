package genai

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// errInvalidateSlot tags a classified HTTP error that must invalidate
	// the owning chat slot rather than simply retry or propagate.
	errInvalidateSlot = errors.New("genai: chat slot invalidated")
	// errMessageDeleted marks a 404/410 on GET /messages/{id}.
	errMessageDeleted = errors.New("genai: message deleted")

	failureStatuses = map[string]bool{"FAIL": true, "FAILED": true, "ERROR": true}

	completionStatuses = map[string]bool{
		"FINAL_ANSWER": true, "SUCCESS": true, "R20000": true, "DONE": true, "COMPLETED": true, "COMPLETE": true,
	}

	// responseFailureCode matches the R5xxxx failure-code family
	// (spec.md §7 "Response failure codes (R5xxxx)").
	responseFailureCode = regexp.MustCompile(`^R5\d{4}$`)

	recoverableBatchPattern = regexp.MustCompile(`(?i)Unexpected token\s+200007|Model Execution Error`)
)

func isFailureStatus(status string) bool { return failureStatuses[strings.ToUpper(status)] }

func isCompletionStatus(status string) bool { return completionStatuses[strings.ToUpper(status)] }

func isFailureCode(code string) bool { return responseFailureCode.MatchString(code) }

// shouldInvalidateSlot reports whether err was classified by
// classifyHTTPError as one that poisons the owning chat slot.
func shouldInvalidateSlot(err error) bool { return errors.Is(err, errInvalidateSlot) }

// isMessageDeleted reports a 404/410 on the content-poll endpoint.
func isMessageDeleted(err error) bool { return errors.Is(err, errMessageDeleted) }

// isRecoverableBatchError classifies a batched-GenAI failure per
// spec.md §4.F.1: response code R50004, the two documented message
// patterns, or a result-count mismatch (checked by the caller directly
// via model.ErrBatchCountMismatch, not here).
func isRecoverableBatchError(code, message string) bool {
	if code == "R50004" {
		return true
	}
	return recoverableBatchPattern.MatchString(message)
}
