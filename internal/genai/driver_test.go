package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/immersive-translate/dispatch-core/internal/chatpool"
	"github.com/immersive-translate/dispatch-core/internal/model"
)

// fakeServer implements just enough of spec.md §6's GenAI protocol to
// drive the state machine through its branches.
type fakeServer struct {
	mu            sync.Mutex
	nextChat      int
	nextMsg       int
	messages      map[string]*fakeMessage
	msgsPerChat   map[string]int
	chatErrorOnce map[string]bool // chat id -> whether the next send should return CHAT_ERROR_4
	deletedChats  map[string]bool
	streamBody    map[string]string // user message id -> raw SSE body to serve
	streamStatus  map[string]int
}

type fakeMessage struct {
	content  string
	status   string
	httpCode int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		messages:      map[string]*fakeMessage{},
		msgsPerChat:   map[string]int{},
		chatErrorOnce: map[string]bool{},
		deletedChats:  map[string]bool{},
		streamBody:    map[string]string{},
		streamStatus:  map[string]int{},
	}
}

func (f *fakeServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/chat/v1/chats":
			f.mu.Lock()
			f.nextChat++
			id := fmt.Sprintf("chat-%d", f.nextChat)
			f.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]string{"guid": id})
		case r.Method == http.MethodDelete && r.URL.Path == "/api/chat/v1/chats":
			body, _ := gjsonBody(r)
			id := gjson.GetBytes(body, "chatGuids.0").String()
			f.mu.Lock()
			f.deletedChats[id] = true
			f.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/api/chat/v1/messages":
			f.handleSendMessage(w, r)
		case r.Method == http.MethodPost && r.URL.Path == "/api/chat/v1/messages-response":
			f.handleStream(w, r)
		case r.Method == http.MethodPost && r.URL.Path == "/api/chat/v1/messages-response/cancel":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/chat/v1/messages/"):
			f.handlePoll(w, r)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func gjsonBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(r.Body)
}

func (f *fakeServer) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	body, _ := gjsonBody(r)
	chatID := gjson.GetBytes(body, "chatGuid").String()

	f.mu.Lock()
	if f.chatErrorOnce[chatID] {
		f.chatErrorOnce[chatID] = false
		f.mu.Unlock()
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"errorCode": "CHAT_ERROR_4"})
		return
	}
	f.nextMsg++
	id := fmt.Sprintf("msg-%d", f.nextMsg)
	f.msgsPerChat[chatID]++
	f.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]string{"guid": id})
}

func (f *fakeServer) handleStream(w http.ResponseWriter, r *http.Request) {
	body, _ := gjsonBody(r)
	userMsgID := gjson.GetBytes(body, "messageGuid").String()

	f.mu.Lock()
	raw, ok := f.streamBody[userMsgID]
	f.mu.Unlock()
	if !ok {
		raw = fmt.Sprintf("data: {\"guid\":\"assistant-for-%s\",\"event_status\":\"DONE\"}\n\n", userMsgID)
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Write([]byte(raw))
}

func (f *fakeServer) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/api/chat/v1/messages/"):]
	f.mu.Lock()
	msg, ok := f.messages[id]
	f.mu.Unlock()
	if !ok {
		// Default: immediately completed with simple uppercase content.
		json.NewEncoder(w).Encode(map[string]string{"content": "OK-" + id, "eventStatus": "FINAL_ANSWER"})
		return
	}
	if msg.httpCode != 0 && msg.httpCode != http.StatusOK {
		w.WriteHeader(msg.httpCode)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"content": msg.content, "eventStatus": msg.status})
}

func testPollConfig() PollConfig {
	return PollConfig{BaseInterval: 5 * time.Millisecond, MaxBackoffMultiplier: 4, Timeout: 500 * time.Millisecond}
}

func TestTranslateHappyPath(t *testing.T) {
	server := newFakeServer()
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	client := NewClient(ts.URL, ts.Client())
	pool := chatpool.New(nil, 2, time.Hour)
	driver := NewDriver(client, pool, "p1", ts.URL, "translate", "model-1", 3, testPollConfig(), false, time.Minute)

	text, err := driver.Translate(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if text == "" {
		t.Fatalf("expected non-empty translation")
	}
}

func TestTranslateChatError4OnceThenSucceeds(t *testing.T) {
	server := newFakeServer()
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	client := NewClient(ts.URL, ts.Client())
	pool := chatpool.New(nil, 1, time.Hour)
	driver := NewDriver(client, pool, "p1", ts.URL, "translate", "model-1", 3, testPollConfig(), false, time.Minute)

	// First turn: establishes a parentMessageId on the slot.
	first, err := driver.Translate(context.Background(), "turn one", nil)
	if err != nil {
		t.Fatalf("first translate: %v", err)
	}
	if first == "" {
		t.Fatalf("expected non-empty first translation")
	}

	// Arm CHAT_ERROR_4 for the next sendMessage on chat-1.
	server.mu.Lock()
	server.chatErrorOnce["chat-1"] = true
	server.mu.Unlock()

	second, err := driver.Translate(context.Background(), "turn two", nil)
	if err != nil {
		t.Fatalf("second translate: %v", err)
	}
	if second == "" {
		t.Fatalf("expected non-empty second translation")
	}

	server.mu.Lock()
	deleted := server.deletedChats["chat-1"]
	chatCount := server.nextChat
	server.mu.Unlock()
	if deleted {
		t.Fatalf("expected no remote delete on CHAT_ERROR_4 recovery")
	}
	if chatCount != 1 {
		t.Fatalf("expected exactly one chat created across both turns, got %d", chatCount)
	}
}

func TestTranslateStreamMissingIDReleasesSlotWithoutInvalidating(t *testing.T) {
	server := newFakeServer()
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	client := NewClient(ts.URL, ts.Client())
	pool := chatpool.New(nil, 1, time.Hour)
	driver := NewDriver(client, pool, "p1", ts.URL, "translate", "model-1", 1, testPollConfig(), false, time.Minute)

	// Pre-create a chat by acquiring and releasing a lease, then force
	// the next stream to omit every id so Decode fails with
	// ErrStreamMissingID.
	lease, err := pool.Acquire(context.Background(), "p1", ts.URL, "translate", driver.createChat)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	chatID := lease.ChatID()
	lease.Release()

	// Any user message sent against this chat streams back an id-less event.
	origHandler := server.handler()
	ts.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/chat/v1/messages-response" {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Write([]byte("data: {\"event_status\":\"CHUNK\",\"content\":\"partial\"}\n\n"))
			return
		}
		origHandler(w, r)
	})

	_, err = driver.Translate(context.Background(), "hello again", nil)
	if err == nil {
		t.Fatalf("expected ErrStreamMissingID")
	}

	server.mu.Lock()
	deleted := server.deletedChats[chatID]
	server.mu.Unlock()
	if deleted {
		t.Fatalf("StreamMissingId must not invalidate/delete the chat")
	}

	// The slot should have been released (not removed); a follow-up
	// acquire on the same key must reuse it rather than provision a new one.
	var calls int32
	createFn := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "should-not-be-created", nil
	}
	lease2, err := pool.Acquire(context.Background(), "p1", ts.URL, "translate", createFn)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if lease2.ChatID() != chatID {
		t.Fatalf("expected reused chat id %q, got %q", chatID, lease2.ChatID())
	}
	if calls != 0 {
		t.Fatalf("expected no reprovisioning, got %d calls", calls)
	}
}

func TestTranslateBatchRetriesOnceOnRecoverableMismatchThenSucceeds(t *testing.T) {
	server := newFakeServer()
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	client := NewClient(ts.URL, ts.Client())
	pool := chatpool.New(nil, 1, time.Hour)
	driver := NewDriver(client, pool, "p1", ts.URL, "translate", "model-1", 3, testPollConfig(), false, time.Minute)

	var attempts int32
	origHandler := server.handler()
	ts.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			n := atomic.AddInt32(&attempts, 1)
			if n == 1 {
				// First poll returns only one fragment worth of content
				// (simulates a count mismatch against the 2-chunk batch).
				json.NewEncoder(w).Encode(map[string]string{"content": "only-one", "eventStatus": "FINAL_ANSWER"})
				return
			}
			json.NewEncoder(w).Encode(map[string]string{
				"content":    "first" + model.Separator + "second",
				"eventStatus": "FINAL_ANSWER",
			})
			return
		}
		origHandler(w, r)
	})

	fragments, err := driver.TranslateBatch(context.Background(), []string{"a", "b"}, "", nil)
	if err != nil {
		t.Fatalf("translate batch: %v", err)
	}
	if len(fragments) != 2 || fragments[0] != "first" || fragments[1] != "second" {
		t.Fatalf("got %+v", fragments)
	}
}
