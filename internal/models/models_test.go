package models

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/autopilot/internal/config"
	"github.com/codefionn/autopilot/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedClient struct {
	llm.Client
	name string
}

func (n namedClient) GetModelName() string { return n.name }

func TestStaticBundleFallsBackToDefault(t *testing.T) {
	b := NewStatic(namedClient{name: "big"}, namedClient{name: "tiny"})
	assert.Equal(t, "big", b.Default().GetModelName())
	assert.Equal(t, "tiny", b.Small().GetModelName())
	assert.Equal(t, "big", b.Medium().GetModelName())
	assert.Equal(t, "big", b.Large().GetModelName())
}

func TestStartRequiresDefault(t *testing.T) {
	err := New(config.ModelsConfig{}).Start(context.Background())
	assert.Error(t, err)
}

func TestStartRejectsUnknownProvider(t *testing.T) {
	b := New(config.ModelsConfig{Default: &config.ModelConfig{Provider: "carrier-pigeon", Model: "x"}})
	err := b.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestStartBuildsWrappedClients(t *testing.T) {
	var (
		mu       sync.Mutex
		received []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		received = append(received, body)
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": "hi"},
			"done":    true,
		})
	}))
	defer srv.Close()

	var hooked []string
	b := New(config.ModelsConfig{
		Default: &config.ModelConfig{Provider: "ollama", Model: "llama3", BaseURL: srv.URL, MaxTokens: 64, Serialize: true},
		Small:   &config.ModelConfig{Provider: "openai", Model: "gpt-4o-mini", APIKeyEnv: "KEY"},
	},
		WithEnv(func(string) string { return "sk-test" }),
		WithTokenCounter(llm.EstimateTokenCount),
		WithPromptHook(func(model string, _ int) { hooked = append(hooked, model) }),
	)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	assert.Equal(t, "gpt-4o-mini", b.Small().GetModelName())
	assert.Equal(t, "llama3", b.Large().GetModelName())

	out, err := b.Default().Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
	assert.Equal(t, []string{"llama3"}, hooked)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	options, _ := received[0]["options"].(map[string]any)
	assert.EqualValues(t, 64, options["num_predict"])
}

func TestStartAppliesConfiguredRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	b := New(config.ModelsConfig{
		Default: &config.ModelConfig{Provider: "ollama", Model: "llama3", BaseURL: srv.URL, RequestsPerMinute: 600},
	})
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	_, err := b.Default().Complete(context.Background(), "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrRateLimited)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.Default().Complete(ctx, "again")
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrRateLimited)
}
