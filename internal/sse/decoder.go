// Package sse implements the Server-Sent-Events protocol driver
// (spec.md §4.D, component D): it parses event-stream frames, tolerates
// malformed JSON via a regex fallback, and extracts the completion
// signal and any fallback assistant text observed while streaming.
package sse

import (
	"bufio"
	"io"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/immersive-translate/dispatch-core/internal/jsonutil"
	"github.com/immersive-translate/dispatch-core/internal/model"
)

var (
	idAliases     = []string{"guid", "id", "message_guid", "messageGuid", "response_guid", "responseGuid"}
	statusAliases = []string{"event_status", "eventStatus", "status", "response_code", "responseCode"}

	completionStatuses = map[string]bool{
		"FINAL_ANSWER": true,
		"SUCCESS":      true,
		"R20000":       true,
		"DONE":         true,
		"COMPLETED":    true,
		"COMPLETE":     true,
	}
	streamingStatuses = map[string]bool{"CHUNK": true, "STREAM": true}

	regexGUID       = regexp.MustCompile(`"guid"\s*:\s*"([^"]+)"`)
	regexCompletion = regexp.MustCompile(`FINAL_ANSWER|SUCCESS|R20000|\bDONE\b|COMPLETED|COMPLETE`)
)

// Result is the outcome of decoding one SSE stream.
type Result struct {
	ResponseID string
	Fallback   string
	Completed  bool
}

// Decode parses r as an event-stream and returns the first completion
// event's id plus any fallback content accumulated before it, or — if
// the stream ends without a completion event — the last id observed
// with whatever fallback text was accumulated. Decode fails with
// model.ErrStreamMissingID if no id ever appeared.
func Decode(r io.Reader) (Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var dataLines []string
	var lastID string
	var fallback strings.Builder

	flushEvent := func() (Result, bool, bool) {
		if len(dataLines) == 0 {
			return Result{}, false, false
		}
		raw := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]
		return processEvent(raw, &lastID, &fallback)
	}

	for scanner.Scan() {
		line := scanner.Text()
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			if res, completed, ok := flushEvent(); ok && completed {
				return res, nil
			}
		}
	}
	if res, completed, ok := flushEvent(); ok && completed {
		return res, nil
	}
	if err := scanner.Err(); err != nil {
		if lastID != "" {
			return Result{ResponseID: lastID, Fallback: fallback.String()}, err
		}
		return Result{}, err
	}

	if lastID == "" {
		return Result{}, model.ErrStreamMissingID
	}
	return Result{ResponseID: lastID, Fallback: fallback.String()}, nil
}

// processEvent extracts id/status/content from one event's joined data
// segment, updating lastID/fallback in place, and reports whether this
// event represents a completion.
func processEvent(raw string, lastID *string, fallback *strings.Builder) (Result, bool, bool) {
	if !gjson.Valid(raw) {
		return processEventRegexFallback(raw, lastID)
	}

	id, _ := jsonutil.FirstField(raw, idAliases...)
	if id != "" {
		*lastID = id
	}

	status, hasStatus := jsonutil.FirstField(raw, statusAliases...)
	if !hasStatus {
		status = nestedProcessingStatus(raw)
	}

	hasResponseCode := gjson.Get(raw, "response_code").Exists() || gjson.Get(raw, "responseCode").Exists()
	content := gjson.Get(raw, "content").String()
	if content != "" && streamingStatuses[status] && !hasResponseCode {
		fallback.WriteString(content)
	}

	if completionStatuses[status] {
		return Result{ResponseID: *lastID, Fallback: fallback.String(), Completed: true}, true, true
	}
	return Result{}, false, true
}

func nestedProcessingStatus(raw string) string {
	result := ""
	gjson.Get(raw, "processing_content").ForEach(func(_, item gjson.Result) bool {
		if v := item.Get("event_status"); v.Exists() && v.String() != "" {
			result = v.String()
			return false
		}
		return true
	})
	return result
}

// processEventRegexFallback runs only when the event's data segment
// fails JSON validation: it extracts the first "guid":"..." pair and
// checks the raw text for any completion keyword (spec.md §4.D
// robustness requirement).
func processEventRegexFallback(raw string, lastID *string) (Result, bool, bool) {
	if m := regexGUID.FindStringSubmatch(raw); len(m) == 2 {
		*lastID = m[1]
	}
	if regexCompletion.MatchString(raw) {
		return Result{ResponseID: *lastID, Completed: true}, true, true
	}
	return Result{}, false, true
}

// DecodeWithCancel wraps Decode for a closeable stream, honoring cancel:
// on signal fire it aborts body and returns a cancellation error at once,
// without waiting for the pending read to end, unless Decode had already
// produced its outcome (if both are ready, either may be returned).
func DecodeWithCancel(body io.ReadCloser, cancel <-chan struct{}) (Result, error) {
	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := Decode(body)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-cancel:
		_ = body.Close()
		return Result{}, model.ErrCancelled
	}
}
