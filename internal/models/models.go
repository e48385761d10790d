// Package models builds the model handles a session uses from configuration.
package models

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/autopilot/internal/config"
	"github.com/codefionn/autopilot/internal/consts"
	"github.com/codefionn/autopilot/internal/llm"
	"github.com/codefionn/autopilot/internal/logger"
	"golang.org/x/sync/errgroup"
)

// PromptHook observes every request sent to a model.
type PromptHook func(model string, promptTokens int)

// Bundle holds the default/small/medium/large handles. Handles that are not
// configured share the default one.
type Bundle struct {
	cfg    config.ModelsConfig
	log    *logger.Logger
	getenv func(string) string
	hook   PromptHook
	count  llm.TokenCounter

	mu      sync.RWMutex
	handles map[string]llm.Client
}

// Option customizes a Bundle.
type Option func(*Bundle)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(b *Bundle) { b.log = logger.OrNop(l).WithPrefix("models") }
}

// WithEnv replaces os.Getenv for API key lookups.
func WithEnv(getenv func(string) string) Option {
	return func(b *Bundle) { b.getenv = getenv }
}

// WithPromptHook reports the size of every prompt.
func WithPromptHook(hook PromptHook) Option {
	return func(b *Bundle) { b.hook = hook }
}

// WithTokenCounter replaces the tiktoken based counter used for pruning.
func WithTokenCounter(count llm.TokenCounter) Option {
	return func(b *Bundle) { b.count = count }
}

// New creates a bundle for cfg. No client exists until Start.
func New(cfg config.ModelsConfig, opts ...Option) *Bundle {
	b := &Bundle{
		cfg:     cfg,
		log:     logger.Nop(),
		getenv:  os.Getenv,
		handles: make(map[string]llm.Client),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewStatic wraps ready-made clients, mostly for tests. Missing handles
// fall back to def.
func NewStatic(def llm.Client, others ...llm.Client) *Bundle {
	b := New(config.ModelsConfig{})
	b.handles[slotDefault] = def
	for i, slot := range []string{slotSmall, slotMedium, slotLarge} {
		if i < len(others) && others[i] != nil {
			b.handles[slot] = others[i]
		}
	}
	return b
}

const (
	slotDefault = "default"
	slotSmall   = "small"
	slotMedium  = "medium"
	slotLarge   = "large"
)

// Start creates the configured clients concurrently.
func (b *Bundle) Start(ctx context.Context) error {
	slots := map[string]*config.ModelConfig{
		slotDefault: b.cfg.Default,
		slotSmall:   b.cfg.Small,
		slotMedium:  b.cfg.Medium,
		slotLarge:   b.cfg.Large,
	}
	if slots[slotDefault] == nil {
		return fmt.Errorf("no default model configured")
	}

	var mu sync.Mutex
	created := make(map[string]llm.Client, len(slots))
	g, gctx := errgroup.WithContext(ctx)
	for slot, mc := range slots {
		if mc == nil {
			continue
		}
		g.Go(func() error {
			client, err := b.newClient(gctx, mc)
			if err != nil {
				return fmt.Errorf("%s model: %w", slot, err)
			}
			mu.Lock()
			created[slot] = client
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	b.mu.Lock()
	b.handles = created
	b.mu.Unlock()
	b.log.Info("started %d model handle(s), default %s", len(created), created[slotDefault].GetModelName())
	return nil
}

// Stop drops all clients.
func (b *Bundle) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handles = make(map[string]llm.Client)
}

func (b *Bundle) get(slot string) llm.Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if c, ok := b.handles[slot]; ok {
		return c
	}
	return b.handles[slotDefault]
}

func (b *Bundle) Default() llm.Client { return b.get(slotDefault) }
func (b *Bundle) Small() llm.Client   { return b.get(slotSmall) }
func (b *Bundle) Medium() llm.Client  { return b.get(slotMedium) }
func (b *Bundle) Large() llm.Client   { return b.get(slotLarge) }

// newClient builds the provider client for mc and layers the request
// budget, rate limit and serialization on top.
func (b *Bundle) newClient(ctx context.Context, mc *config.ModelConfig) (llm.Client, error) {
	key := ""
	if mc.APIKeyEnv != "" {
		key = b.getenv(mc.APIKeyEnv)
	}

	var (
		client llm.Client
		err    error
	)
	switch strings.ToLower(strings.TrimSpace(mc.Provider)) {
	case "anthropic":
		client, err = llm.NewAnthropicClient(key, mc.Model, mc.BaseURL)
	case "openai", "openai-compatible":
		client, err = llm.NewOpenAIClient(key, mc.Model, mc.BaseURL)
	case "google", "gemini":
		client, err = llm.NewGoogleAIClient(ctx, key, mc.Model)
	case "ollama":
		client, err = llm.NewOllamaClient(mc.BaseURL, mc.Model)
	default:
		return nil, fmt.Errorf("unknown model provider %q", mc.Provider)
	}
	if err != nil {
		return nil, err
	}

	return b.wrap(client, mc), nil
}

func (b *Bundle) wrap(client llm.Client, mc *config.ModelConfig) llm.Client {
	contextLength := mc.ContextLength
	if contextLength <= 0 {
		contextLength = consts.DefaultContextLength
	}
	client = llm.NewBudgetClient(client, contextLength, b.count)
	client = &defaultsClient{Client: client, maxTokens: mc.MaxTokens, temperature: mc.Temperature}
	if b.hook != nil {
		client = &hookedClient{Client: client, hook: b.hook}
	}

	var interval time.Duration
	if mc.RequestsPerMinute > 0 {
		interval = time.Minute / time.Duration(mc.RequestsPerMinute)
	}
	client = llm.NewRateLimitedClient(client, interval, mc.TokensPerMinute)
	if mc.Serialize {
		client = llm.NewSerializedClient(client)
	}
	return client
}
