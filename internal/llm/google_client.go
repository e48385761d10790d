package llm

import (
	"context"
	"fmt"
	"strings"

	genai "google.golang.org/genai"
)

// GoogleGenAIClient implements the Client interface using the official Google GenAI SDK.
type GoogleGenAIClient struct {
	modelName string
	client    *genai.Client
}

// NewGoogleAIClient creates a Google GenAI client for the provided model.
func NewGoogleAIClient(ctx context.Context, apiKey, modelName string) (Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Google GenAI client: %w", err)
	}

	return &GoogleGenAIClient{
		modelName: normalizeGoogleModelName(modelName),
		client:    client,
	}, nil
}

func (c *GoogleGenAIClient) GetModelName() string {
	return c.modelName
}

func (c *GoogleGenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.modelName, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("google genai completion failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}
	return collectTextFromContent(resp.Candidates[0].Content), nil
}

func (c *GoogleGenAIClient) CompleteWithRequest(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	contents, cfg := convertRequestToGenAI(req)
	if len(contents) == 0 {
		return &CompletionResponse{}, nil
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.modelName, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("google genai completion failed: %w", err)
	}

	if len(resp.Candidates) == 0 {
		stop := ""
		if resp.PromptFeedback != nil {
			stop = string(resp.PromptFeedback.BlockReason)
		}
		return &CompletionResponse{StopReason: stop}, nil
	}

	candidate := resp.Candidates[0]
	stopReason := string(candidate.FinishReason)
	if stopReason == "" {
		stopReason = candidate.FinishMessage
	}
	return &CompletionResponse{
		Content:    collectTextFromContent(candidate.Content),
		StopReason: stopReason,
	}, nil
}

func (c *GoogleGenAIClient) Stream(ctx context.Context, req *CompletionRequest, callback func(chunk string) error) error {
	contents, cfg := convertRequestToGenAI(req)
	if len(contents) == 0 {
		return nil
	}

	for result, err := range c.client.Models.GenerateContentStream(ctx, c.modelName, contents, cfg) {
		if err != nil {
			return fmt.Errorf("google genai stream failed: %w", err)
		}
		if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
			continue
		}
		chunk := collectTextFromContent(result.Candidates[0].Content)
		if chunk == "" {
			continue
		}
		if err := callback(chunk); err != nil {
			return err
		}
	}
	return nil
}

func collectTextFromContent(content *genai.Content) string {
	if content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// convertRequestToGenAI maps messages to contents. System messages are folded
// into the system instruction.
func convertRequestToGenAI(req *CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	cfg := &genai.GenerateContentConfig{}
	if req == nil {
		return nil, cfg
	}

	system := []string{}
	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		system = append(system, s)
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg == nil || msg.Content == "" {
			continue
		}
		switch normalizeRole(msg.Role) {
		case RoleSystem:
			system = append(system, msg.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}

	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		cfg.Temperature = &temp
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return contents, cfg
}

func normalizeGoogleModelName(modelName string) string {
	trimmed := strings.TrimSpace(modelName)
	if trimmed == "" {
		return "models/gemini-2.0-flash"
	}

	lowered := strings.ToLower(trimmed)
	if strings.HasPrefix(lowered, "models/") || strings.HasPrefix(lowered, "publishers/") {
		return trimmed
	}
	return "models/" + trimmed
}
