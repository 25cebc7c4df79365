// Package genai implements component F (spec.md §4.F): the GenAI
// provider state-machine driver, its REST+SSE client (spec.md §6
// "Provider-facing protocol (GenAI)"), and the batched variant (§4.F.1).
package genai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	log "github.com/sirupsen/logrus"

	"github.com/immersive-translate/dispatch-core/internal/model"
)

// Client is a thin REST+SSE wrapper over one GenAI provider's base URL.
// Session auth is cookie-based and expected to already be configured on
// httpClient's jar by the caller.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a client against baseURL using httpClient, which
// carries whatever proxy/cookie-jar configuration the caller set up
// (see internal/httpclient).
func NewClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

func (c *Client) url(path string) string { return c.baseURL + path }

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return nil, fmt.Errorf("genai: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrRetryable, err)
	}
	return resp, nil
}

// ProbeSession implements the session-liveness probe: GET
// /api/account/auth/session, with 200 and a non-empty "data" field
// meaning authenticated.
func (c *Client) ProbeSession(ctx context.Context) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/account/auth/session", nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	return gjson.GetBytes(body, "data").Exists() && gjson.GetBytes(body, "data").Raw != "null", nil
}

// CreateChat provisions a fresh remote chat session, returning its guid.
func (c *Client) CreateChat(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/chat/v1/chats", []byte("{}"))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return "", classifyHTTPError(resp.StatusCode, body)
	}
	guid := gjson.GetBytes(body, "guid").String()
	if guid == "" {
		return "", fmt.Errorf("genai: create chat: missing guid in response")
	}
	return guid, nil
}

// DeleteChat is best-effort: errors are logged and swallowed (spec.md
// §4.F "Remote chat deletion ... is best-effort").
func (c *Client) DeleteChat(ctx context.Context, chatID string) {
	payload, _ := sjson.SetBytes([]byte("{}"), "chatGuids.0", chatID)
	resp, err := c.do(ctx, http.MethodDelete, "/api/chat/v1/chats", payload)
	if err != nil {
		log.Debugf("genai: best-effort chat delete for %s failed: %v", chatID, err)
		return
	}
	_ = resp.Body.Close()
}

// SendMessage posts a user turn. A 422 body {"errorCode":"CHAT_ERROR_4"}
// is surfaced as *model.PendingResponse, not a generic error.
func (c *Client) SendMessage(ctx context.Context, chatID, content, parentMessageID string) (string, error) {
	payload, _ := sjson.SetBytes([]byte("{}"), "chatGuid", chatID)
	payload, _ = sjson.SetBytes(payload, "content", content)
	if parentMessageID != "" {
		payload, _ = sjson.SetBytes(payload, "parentMessageGuid", parentMessageID)
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/chat/v1/messages", payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusUnprocessableEntity {
		code := gjson.GetBytes(body, "errorCode").String()
		if code == "CHAT_ERROR_4" {
			return "", &model.PendingResponse{Code: code}
		}
	}
	if resp.StatusCode >= 400 {
		return "", classifyHTTPError(resp.StatusCode, body)
	}
	guid := gjson.GetBytes(body, "guid").String()
	if guid == "" {
		return "", fmt.Errorf("genai: send message: missing guid in response")
	}
	return guid, nil
}

// OpenAssistantStream opens the SSE endpoint for the assistant's reply
// to userMessageID. The caller is responsible for closing the returned
// body (the §4.D decoder does this for it on cancellation).
func (c *Client) OpenAssistantStream(ctx context.Context, chatID, userMessageID, modelID string) (io.ReadCloser, error) {
	payload, _ := sjson.SetBytes([]byte("{}"), "chatGuid", chatID)
	payload, _ = sjson.SetBytes(payload, "messageGuid", userMessageID)
	if modelID != "" {
		payload, _ = sjson.SetBytes(payload, "modelId", modelID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/chat/v1/messages-response"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("genai: build stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrRetryable, err)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, classifyHTTPError(resp.StatusCode, body)
	}
	return resp.Body, nil
}

// CancelMessage is the best-effort "stop streaming" hook (spec.md §5
// "best-effort POSTs to the server's messages-response/cancel
// endpoint").
func (c *Client) CancelMessage(ctx context.Context, userMessageID string) {
	payload, _ := sjson.SetBytes([]byte("{}"), "messageGuid", userMessageID)
	resp, err := c.do(ctx, http.MethodPost, "/api/chat/v1/messages-response/cancel", payload)
	if err != nil {
		log.Debugf("genai: best-effort cancel for %s failed: %v", userMessageID, err)
		return
	}
	_ = resp.Body.Close()
}

// PollResult is one observation of GET /messages/{id}.
type PollResult struct {
	Content    string
	Completed  bool
	HTTPStatus int
}

// PollMessage polls the final content of a message once. 404/410 are
// returned as a classified error so the caller can invoke
// onInvalidateChat (spec.md §4.F "treat message as deleted").
func (c *Client) PollMessage(ctx context.Context, messageID string) (PollResult, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/chat/v1/messages/"+messageID, nil)
	if err != nil {
		return PollResult{}, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return PollResult{HTTPStatus: resp.StatusCode}, errMessageDeleted
	}
	if resp.StatusCode >= 400 {
		return PollResult{HTTPStatus: resp.StatusCode}, classifyHTTPError(resp.StatusCode, body)
	}

	status := gjson.GetBytes(body, "eventStatus").String()
	if status == "" {
		status = gjson.GetBytes(body, "status").String()
	}
	code := gjson.GetBytes(body, "responseCode").String()
	content := gjson.GetBytes(body, "content").String()

	if isFailureStatus(status) || isFailureCode(code) {
		return PollResult{Content: content, HTTPStatus: resp.StatusCode}, &model.ResponseFailed{Code: firstNonEmpty(code, status)}
	}

	return PollResult{
		Content:    content,
		Completed:  content != "" && isCompletionStatus(status),
		HTTPStatus: resp.StatusCode,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// classifyHTTPError maps a chat-endpoint HTTP status to a sentinel per
// spec.md §7 ("HTTP 4xx on chat endpoints with status in {401, 403,
// 404, 410}: invalidate the chat slot immediately").
func classifyHTTPError(status int, body []byte) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("genai: chat endpoint returned %d: %s: %w", status, string(body), errInvalidateSlot)
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d: %s", model.ErrRetryable, status, string(body))
	default:
		return fmt.Errorf("genai: chat endpoint returned %d: %s", status, string(body))
	}
}
