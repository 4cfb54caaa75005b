package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/clikpost/internal/model"
)

func newTestOpenRouterClient(t *testing.T, handler http.HandlerFunc) *OpenRouterClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenRouterClient(OpenRouterConfig{
		APIKey:     "or-key",
		URL:        srv.URL,
		Referer:    "https://app.example.com",
		Title:      "clikpost",
		HTTPClient: srv.Client(),
	})
}

func TestOpenRouterClient_Complete(t *testing.T) {
	temp := 0.3
	c := newTestOpenRouterClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer or-key", r.Header.Get("Authorization"))
		assert.Equal(t, "https://app.example.com", r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "clikpost", r.Header.Get("X-Title"))

		var req CompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "chat-model", req.Model)
		assert.False(t, req.Stream)
		require.NotNil(t, req.Temperature)
		assert.InDelta(t, 0.3, *req.Temperature, 1e-9)
		assert.Equal(t, 256, req.MaxTokens)

		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"}}],
			"usage":{"prompt_tokens":5,"completion_tokens":1,"total_tokens":6}}`))
	})

	got, err := c.Complete(context.Background(), CompletionRequest{
		Model:       "chat-model",
		Messages:    []Message{{Role: "user", Content: "hi"}},
		Temperature: &temp,
		MaxTokens:   256,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)
	require.NotNil(t, got.Usage)
	assert.Equal(t, 6, got.Usage.TotalTokens)
}

func TestOpenRouterClient_NotConfigured(t *testing.T) {
	c := NewOpenRouterClient(OpenRouterConfig{})

	_, err := c.Complete(context.Background(), CompletionRequest{})
	requireAPIErrorCode(t, err, model.ErrCodeProviderNotConfigured)

	_, err = c.Stream(context.Background(), CompletionRequest{}, func(string) error { return nil })
	requireAPIErrorCode(t, err, model.ErrCodeProviderNotConfigured)
}

func TestOpenRouterClient_Stream(t *testing.T) {
	c := newTestOpenRouterClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req CompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": OPENROUTER PROCESSING\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"Hel"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":""}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"lo"}}],"usage":{"total_tokens":9}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"ignored"}}]}`+"\n\n")
	})

	var deltas []string
	got, err := c.Stream(context.Background(), CompletionRequest{Model: "m"}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	assert.Equal(t, "Hello", got.Content)
	require.NotNil(t, got.Usage)
	assert.Equal(t, 9, got.Usage.TotalTokens)
}

func TestOpenRouterClient_Stream_ForwardsNonJSONData(t *testing.T) {
	c := newTestOpenRouterClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: plain text\n\n")
	})

	got, err := c.Stream(context.Background(), CompletionRequest{}, func(string) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "plain text", got.Content)
}

func TestOpenRouterClient_Stream_UpstreamError(t *testing.T) {
	c := newTestOpenRouterClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":{"message":"no provider"}}`))
	})

	called := false
	_, err := c.Stream(context.Background(), CompletionRequest{}, func(string) error {
		called = true
		return nil
	})
	requireAPIErrorCode(t, err, model.ErrCodeGenerationFailed)
	assert.Contains(t, err.Error(), "status 502")
	assert.False(t, called)
}

func TestOpenRouterClient_Stream_StopsOnCallbackError(t *testing.T) {
	c := newTestOpenRouterClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"a"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"b"}}]}`+"\n\n")
	})

	errClosed := errors.New("client gone")
	calls := 0
	_, err := c.Stream(context.Background(), CompletionRequest{}, func(string) error {
		calls++
		return errClosed
	})
	assert.ErrorIs(t, err, errClosed)
	assert.Equal(t, 1, calls)
}
