package llm

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// serializedClient allows one call at a time through to a backend that
// cannot serve concurrent requests, such as a local model server.
type serializedClient struct {
	delegate Client
	sem      *semaphore.Weighted
}

// NewSerializedClient wraps base so that calls never overlap. A Stream holds
// the slot until it finishes.
func NewSerializedClient(base Client) Client {
	if base == nil {
		return nil
	}
	return &serializedClient{delegate: base, sem: semaphore.NewWeighted(1)}
}

func (c *serializedClient) Complete(ctx context.Context, prompt string) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.sem.Release(1)
	return c.delegate.Complete(ctx, prompt)
}

func (c *serializedClient) CompleteWithRequest(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)
	return c.delegate.CompleteWithRequest(ctx, req)
}

func (c *serializedClient) Stream(ctx context.Context, req *CompletionRequest, callback func(chunk string) error) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)
	return c.delegate.Stream(ctx, req, callback)
}

func (c *serializedClient) GetModelName() string {
	return c.delegate.GetModelName()
}
