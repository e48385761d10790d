package llm

import (
	"context"

	"github.com/codefionn/autopilot/internal/consts"
)

// budgetClient fits every request into the model's context window before
// handing it on.
type budgetClient struct {
	delegate      Client
	contextLength int
	count         TokenCounter
}

// NewBudgetClient wraps base so that chat history is pruned to contextLength
// tokens, reserving the request's MaxTokens for the reply. A nil count uses
// the tiktoken encoding of the model.
func NewBudgetClient(base Client, contextLength int, count TokenCounter) Client {
	if base == nil {
		return nil
	}
	if contextLength <= 0 {
		contextLength = consts.DefaultContextLength
	}
	if count == nil {
		count = NewTokenCounter(base.GetModelName())
	}
	return &budgetClient{delegate: base, contextLength: contextLength, count: count}
}

func (c *budgetClient) fit(req *CompletionRequest) (*CompletionRequest, error) {
	if req == nil {
		return nil, nil
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = consts.DefaultMaxTokens
	}
	msgs, err := CompileChatMessages(c.count, req.Messages, c.contextLength, maxTokens, "", req.SystemPrompt)
	if err != nil {
		return nil, err
	}

	fitted := *req
	fitted.SystemPrompt = ""
	fitted.Messages = msgs
	return &fitted, nil
}

func (c *budgetClient) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.CompleteWithRequest(ctx, &CompletionRequest{
		Messages:    []*Message{{Role: RoleUser, Content: prompt, Summary: prompt}},
		Temperature: 1.0,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (c *budgetClient) CompleteWithRequest(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	fitted, err := c.fit(req)
	if err != nil {
		return nil, err
	}
	return c.delegate.CompleteWithRequest(ctx, fitted)
}

func (c *budgetClient) Stream(ctx context.Context, req *CompletionRequest, callback func(chunk string) error) error {
	fitted, err := c.fit(req)
	if err != nil {
		return err
	}
	return c.delegate.Stream(ctx, fitted, callback)
}

func (c *budgetClient) GetModelName() string {
	return c.delegate.GetModelName()
}
