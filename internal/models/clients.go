package models

import (
	"context"

	"github.com/codefionn/autopilot/internal/llm"
)

// defaultsClient fills in the configured max tokens and temperature when a
// request leaves them unset.
type defaultsClient struct {
	llm.Client
	maxTokens   int
	temperature float64
}

func (c *defaultsClient) apply(req *llm.CompletionRequest) *llm.CompletionRequest {
	if req == nil {
		return nil
	}
	out := *req
	if out.MaxTokens <= 0 {
		out.MaxTokens = c.maxTokens
	}
	if out.Temperature <= 0 {
		out.Temperature = c.temperature
	}
	return &out
}

func (c *defaultsClient) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.CompleteWithRequest(ctx, &llm.CompletionRequest{
		Messages: []*llm.Message{{Role: llm.RoleUser, Content: prompt, Summary: prompt}},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (c *defaultsClient) CompleteWithRequest(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return c.Client.CompleteWithRequest(ctx, c.apply(req))
}

func (c *defaultsClient) Stream(ctx context.Context, req *llm.CompletionRequest, callback func(string) error) error {
	return c.Client.Stream(ctx, c.apply(req), callback)
}

// hookedClient reports prompt sizes before delegating.
type hookedClient struct {
	llm.Client
	hook PromptHook
}

func (c *hookedClient) report(req *llm.CompletionRequest) {
	if req == nil {
		return
	}
	tokens := llm.EstimateTokenCount(req.SystemPrompt)
	for _, m := range req.Messages {
		tokens += llm.EstimateTokenCountForMessage(m)
	}
	c.hook(c.GetModelName(), tokens)
}

func (c *hookedClient) Complete(ctx context.Context, prompt string) (string, error) {
	c.hook(c.GetModelName(), llm.EstimateTokenCount(prompt))
	return c.Client.Complete(ctx, prompt)
}

func (c *hookedClient) CompleteWithRequest(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	c.report(req)
	return c.Client.CompleteWithRequest(ctx, req)
}

func (c *hookedClient) Stream(ctx context.Context, req *llm.CompletionRequest, callback func(string) error) error {
	c.report(req)
	return c.Client.Stream(ctx, req, callback)
}
