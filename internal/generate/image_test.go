package generate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/clikpost/internal/model"
)

func newTestImageGenerator(t *testing.T, maxConcurrent int, handler http.HandlerFunc) *ImageGenerator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewImageGenerator(ImageConfig{
		APIKey:        "hf-key",
		ModelURL:      srv.URL,
		MaxConcurrent: maxConcurrent,
		HTTPClient:    srv.Client(),
	})
}

func TestImageGenerator_Generate_ReturnsDataURLsInOrder(t *testing.T) {
	g := newTestImageGenerator(t, 2, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer hf-key", r.Header.Get("Authorization"))

		var req inferenceRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Options.WaitForModel)

		// プロンプトを画像バイト列として返す
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("img:" + req.Inputs))
	})

	prompts := []string{"a cat", "a dog", "a fox"}
	images, err := g.Generate(context.Background(), prompts)
	require.NoError(t, err)
	require.Len(t, images, 3)

	for i, img := range images {
		assert.Equal(t, prompts[i], img.Prompt)
		require.True(t, strings.HasPrefix(img.Image, "data:image/png;base64,"), img.Image)
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(img.Image, "data:image/png;base64,"))
		require.NoError(t, err)
		assert.Equal(t, "img:"+prompts[i], string(decoded))
	}
}

func TestImageGenerator_Generate_RespectsConcurrencyLimit(t *testing.T) {
	var inFlight, maxSeen int32
	g := newTestImageGenerator(t, 2, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			cur := atomic.LoadInt32(&maxSeen)
			if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
				break
			}
		}
		w.Write([]byte("x"))
	})

	_, err := g.Generate(context.Background(), []string{"1", "2", "3", "4", "5", "6"})
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(2))
}

func TestImageGenerator_Generate_UpstreamFailure(t *testing.T) {
	g := newTestImageGenerator(t, 1, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"Model is currently loading"}`))
	})

	_, err := g.Generate(context.Background(), []string{"a cat"})
	requireAPIErrorCode(t, err, model.ErrCodeGenerationFailed)
	assert.Contains(t, err.Error(), "Model is currently loading")
}

func TestImageGenerator_Generate_Validation(t *testing.T) {
	var calls int32
	g := newTestImageGenerator(t, 1, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})

	tests := []struct {
		name    string
		prompts []string
	}{
		{"empty list", nil},
		{"blank prompt", []string{"ok", "  "}},
		{"too many", make([]string, MaxPromptsPerRequest+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Generate(context.Background(), tt.prompts)
			requireAPIErrorCode(t, err, model.ErrCodeInvalidRequest)
		})
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestImageGenerator_Generate_MissingAPIKey(t *testing.T) {
	g := NewImageGenerator(ImageConfig{})

	_, err := g.Generate(context.Background(), []string{"a cat"})
	requireAPIErrorCode(t, err, model.ErrCodeProviderNotConfigured)
}

func TestImageMediaType(t *testing.T) {
	assert.Equal(t, "image/png", imageMediaType("image/png"))
	assert.Equal(t, "image/webp", imageMediaType("image/webp; charset=binary"))
	assert.Equal(t, "image/jpeg", imageMediaType("application/json"))
	assert.Equal(t, "image/jpeg", imageMediaType(""))
}
