package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/codefionn/autopilot/internal/consts"
)

// OllamaClient implements the Client interface for the Ollama REST API.
type OllamaClient struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaClient creates a new Ollama client for the provided model.
func NewOllamaClient(baseURL, model string) (Client, error) {
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("ollama client requires a model identifier")
	}

	return &OllamaClient{
		baseURL: normalizeOllamaBaseURL(baseURL),
		model:   model,
		client: &http.Client{
			Timeout: consts.Timeout2Minutes,
		},
	}, nil
}

func (c *OllamaClient) GetModelName() string {
	return c.model
}

func (c *OllamaClient) Complete(ctx context.Context, prompt string) (string, error) {
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

func (c *OllamaClient) CompleteWithRequest(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	httpReq, err := c.newChatRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama completion failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama completion failed: %w", newStatusError(resp))
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("ollama completion failed: %w", err)
	}

	content := ""
	if chatResp.Message != nil {
		content = chatResp.Message.Content
	}
	stopReason := strings.TrimSpace(chatResp.DoneReason)
	if stopReason == "" && chatResp.Done {
		stopReason = "stop"
	}
	return &CompletionResponse{Content: content, StopReason: stopReason}, nil
}

func (c *OllamaClient) Stream(ctx context.Context, req *CompletionRequest, callback func(chunk string) error) error {
	httpReq, err := c.newChatRequest(ctx, req, true)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama stream failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama stream failed: %w", newStatusError(resp))
	}

	scanner := bufio.NewScanner(resp.Body)
	buffer := make([]byte, 0, consts.BufferSize256KB)
	scanner.Buffer(buffer, consts.BufferSize1MB)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var event ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return fmt.Errorf("ollama stream failed to decode chunk: %w", err)
		}

		if event.Message != nil && event.Message.Content != "" {
			if err := callback(event.Message.Content); err != nil {
				return err
			}
		}
		if event.Done {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ollama stream failed: %w", err)
	}
	return nil
}

func (c *OllamaClient) newChatRequest(ctx context.Context, req *CompletionRequest, stream bool) (*http.Request, error) {
	if req == nil {
		return nil, fmt.Errorf("completion request cannot be nil")
	}

	messages := make([]ollamaChatMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg == nil {
			continue
		}
		messages = append(messages, ollamaChatMessage{Role: normalizeRole(msg.Role), Content: msg.Content})
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("ollama completion requires at least one message")
	}

	options := make(map[string]interface{})
	if req.Temperature != 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(options) == 0 {
		options = nil
	}

	body, err := json.Marshal(&ollamaChatRequest{
		Model:    c.model,
		Stream:   stream,
		System:   req.SystemPrompt,
		Messages: messages,
		Options:  options,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode ollama request: %w", err)
	}

	endpoint := strings.TrimRight(c.baseURL, "/") + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func newStatusError(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, consts.BufferSize256KB))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaChatMessage    `json:"messages"`
	Stream   bool                   `json:"stream"`
	System   string                 `json:"system,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Model      string             `json:"model"`
	CreatedAt  string             `json:"created_at"`
	Message    *ollamaChatMessage `json:"message"`
	Done       bool               `json:"done"`
	DoneReason string             `json:"done_reason"`
}

func normalizeOllamaBaseURL(baseURL string) string {
	url := strings.TrimSpace(baseURL)
	if url == "" {
		return "http://localhost:11434"
	}

	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	return strings.TrimRight(url, "/")
}
