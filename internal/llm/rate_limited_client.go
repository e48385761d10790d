package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	replyTokenReserve = 512
	minPromptTokens   = 8
)

// ErrRateLimited marks a call refused by the configured request or token
// budget, or rejected by the provider with a 429.
var ErrRateLimited = errors.New("rate limited")

// throttledClient spaces calls to a model by a per-request interval and a
// per-minute token allowance, both taken from the model's config entry.
type throttledClient struct {
	delegate Client
	requests *rate.Limiter
	tokens   *rate.Limiter
}

// NewRateLimitedClient returns base throttled to one request per interval and
// tokensPerMinute estimated tokens. Zero disables the respective limit.
func NewRateLimitedClient(base Client, interval time.Duration, tokensPerMinute int) Client {
	if base == nil || (interval <= 0 && tokensPerMinute <= 0) {
		return base
	}
	c := &throttledClient{delegate: base}
	if interval > 0 {
		c.requests = rate.NewLimiter(rate.Every(interval), 1)
	}
	if tokensPerMinute > 0 {
		c.tokens = rate.NewLimiter(rate.Limit(float64(tokensPerMinute)/60), tokensPerMinute)
	}
	return c
}

func (c *throttledClient) admit(ctx context.Context, estimate int) error {
	if c.requests != nil {
		if err := c.requests.Wait(ctx); err != nil {
			return fmt.Errorf("%w: waiting for request slot: %w", ErrRateLimited, err)
		}
	}
	if c.tokens != nil {
		// A single oversized prompt may use the whole minute but never more.
		n := min(estimate, c.tokens.Burst())
		if err := c.tokens.WaitN(ctx, n); err != nil {
			return fmt.Errorf("%w: waiting for %d tokens: %w", ErrRateLimited, n, err)
		}
	}
	return nil
}

func (c *throttledClient) Complete(ctx context.Context, prompt string) (string, error) {
	if err := c.admit(ctx, promptEstimate(prompt)); err != nil {
		return "", err
	}
	out, err := c.delegate.Complete(ctx, prompt)
	return out, markRateLimited(err)
}

func (c *throttledClient) CompleteWithRequest(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if err := c.admit(ctx, requestEstimate(req)); err != nil {
		return nil, err
	}
	resp, err := c.delegate.CompleteWithRequest(ctx, req)
	return resp, markRateLimited(err)
}

func (c *throttledClient) Stream(ctx context.Context, req *CompletionRequest, callback func(chunk string) error) error {
	if err := c.admit(ctx, requestEstimate(req)); err != nil {
		return err
	}
	return markRateLimited(c.delegate.Stream(ctx, req, callback))
}

func (c *throttledClient) GetModelName() string {
	return c.delegate.GetModelName()
}

// markRateLimited tags provider 429 replies so callers can match them with
// errors.Is regardless of which SDK produced them.
func markRateLimited(err error) error {
	if err == nil || errors.Is(err, ErrRateLimited) {
		return err
	}
	if code, ok := StatusCode(err); ok && code == 429 {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return err
}

func promptEstimate(prompt string) int {
	return max(EstimateTokenCount(prompt), minPromptTokens) + replyTokenReserve
}

// requestEstimate counts the prompt plus the reply budget. Function results
// dominate a step's prompt, so when present only they are counted.
func requestEstimate(req *CompletionRequest) int {
	if req == nil {
		return replyTokenReserve
	}
	var fn, all int
	for _, msg := range req.Messages {
		if msg == nil {
			continue
		}
		n := EstimateTokenCount(msg.Content)
		all += n
		if strings.EqualFold(msg.Role, RoleFunction) {
			fn += n
		}
	}
	n := all
	if fn > 0 {
		n = fn
	}
	n = max(n, minPromptTokens)
	if req.MaxTokens > 0 {
		return n + req.MaxTokens
	}
	return n + replyTokenReserve
}
