package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/immersive-translate/dispatch-core/internal/model"
)

func TestDecodeReturnsOnFirstCompletionEvent(t *testing.T) {
	stream := "" +
		"data: {\"guid\":\"m1\",\"event_status\":\"CHUNK\",\"content\":\"hel\"}\n\n" +
		"data: {\"guid\":\"m1\",\"event_status\":\"CHUNK\",\"content\":\"lo\"}\n\n" +
		"data: {\"guid\":\"m1\",\"event_status\":\"FINAL_ANSWER\"}\n\n"

	res, err := Decode(strings.NewReader(stream))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ResponseID != "m1" {
		t.Fatalf("got id %q want m1", res.ResponseID)
	}
	if res.Fallback != "hello" {
		t.Fatalf("got fallback %q want hello", res.Fallback)
	}
	if !res.Completed {
		t.Fatalf("expected Completed=true")
	}
}

func TestDecodeJoinsMultilineDataValues(t *testing.T) {
	stream := "data: {\"guid\":\"m1\",\n" +
		"data: \"event_status\":\"FINAL_ANSWER\"}\n\n"
	res, err := Decode(strings.NewReader(stream))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ResponseID != "m1" {
		t.Fatalf("got id %q want m1", res.ResponseID)
	}
}

func TestDecodeFallsBackToRegexOnInvalidJSON(t *testing.T) {
	stream := "data: {garbled \"guid\":\"m2\" completion=FINAL_ANSWER trailing\n\n"
	res, err := Decode(strings.NewReader(stream))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ResponseID != "m2" {
		t.Fatalf("got id %q want m2", res.ResponseID)
	}
	if !res.Completed {
		t.Fatalf("expected regex fallback to detect completion")
	}
}

func TestDecodeReturnsLastIDWhenStreamEndsWithoutCompletion(t *testing.T) {
	stream := "data: {\"guid\":\"m3\",\"event_status\":\"CHUNK\",\"content\":\"partial\"}\n\n"
	res, err := Decode(strings.NewReader(stream))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ResponseID != "m3" || res.Fallback != "partial" || res.Completed {
		t.Fatalf("got %+v", res)
	}
}

func TestDecodeFailsWhenNoIDEverAppears(t *testing.T) {
	stream := "data: {\"event_status\":\"CHUNK\",\"content\":\"x\"}\n\n"
	_, err := Decode(strings.NewReader(stream))
	if !errors.Is(err, model.ErrStreamMissingID) {
		t.Fatalf("got err %v, want ErrStreamMissingID", err)
	}
}

func TestDecodeIgnoresContentWhenResponseCodePresent(t *testing.T) {
	stream := "data: {\"guid\":\"m4\",\"event_status\":\"CHUNK\",\"response_code\":\"R10000\",\"content\":\"should not accumulate\"}\n\n" +
		"data: {\"guid\":\"m4\",\"event_status\":\"DONE\"}\n\n"
	res, err := Decode(strings.NewReader(stream))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Fallback != "" {
		t.Fatalf("expected no fallback accumulation, got %q", res.Fallback)
	}
}

type closeableReader struct {
	io.Reader
	closed chan struct{}
}

func (c *closeableReader) Close() error {
	close(c.closed)
	return nil
}

func TestDecodeWithCancelAbortsOnSignal(t *testing.T) {
	pr, pw := io.Pipe()
	closed := make(chan struct{})
	body := &closeableReader{Reader: pr, closed: closed}
	cancel := make(chan struct{})

	resultCh := make(chan error, 1)
	go func() {
		_, err := DecodeWithCancel(body, cancel)
		resultCh <- err
	}()

	close(cancel)

	select {
	case err := <-resultCh:
		if !errors.Is(err, model.ErrCancelled) {
			t.Fatalf("got err %v, want ErrCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation")
	}
	_ = pw.Close()
}
