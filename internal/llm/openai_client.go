package llm

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIClient implements the Client interface with the Chat Completions API.
// Any OpenAI-compatible server can be targeted through baseURL.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAIClient constructs a client that talks to the OpenAI API, or to an
// OpenAI-compatible endpoint when baseURL is set.
func NewOpenAIClient(apiKey, modelName, baseURL string) (Client, error) {
	if strings.TrimSpace(apiKey) == "" && strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("openai client requires an API key")
	}

	model := strings.TrimSpace(modelName)
	if model == "" {
		model = defaultOpenAIModel
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &OpenAIClient{
		client: openai.NewClient(opts...),
		model:  model,
	}, nil
}

func (c *OpenAIClient) GetModelName() string {
	return c.model
}

func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.CompleteWithRequest(ctx, &CompletionRequest{
		Messages: []*Message{
			{Role: RoleUser, Content: prompt},
		},
		Temperature: 1.0,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (c *OpenAIClient) CompleteWithRequest(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	params, err := c.buildChatParams(req)
	if err != nil {
		return nil, err
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return &CompletionResponse{StopReason: "stop"}, nil
	}

	first := completion.Choices[0]
	stopReason := first.FinishReason
	if strings.TrimSpace(stopReason) == "" {
		stopReason = "stop"
	}
	return &CompletionResponse{Content: first.Message.Content, StopReason: stopReason}, nil
}

func (c *OpenAIClient) Stream(ctx context.Context, req *CompletionRequest, callback func(chunk string) error) error {
	params, err := c.buildChatParams(req)
	if err != nil {
		return err
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		text := chunk.Choices[0].Delta.Content
		if text == "" {
			continue
		}
		if err := callback(text); err != nil {
			return err
		}
	}

	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai stream failed: %w", err)
	}
	return nil
}

func (c *OpenAIClient) buildChatParams(req *CompletionRequest) (openai.ChatCompletionNewParams, error) {
	if req == nil {
		return openai.ChatCompletionNewParams{}, fmt.Errorf("openai completion request cannot be nil")
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if sys := strings.TrimSpace(req.SystemPrompt); sys != "" {
		messages = append(messages, openai.SystemMessage(sys))
	}
	for _, msg := range req.Messages {
		if msg == nil {
			continue
		}
		switch normalizeRole(msg.Role) {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}
	if len(messages) == 0 {
		return openai.ChatCompletionNewParams{}, fmt.Errorf("openai completion requires at least one message")
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	return params, nil
}
