package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codefionn/autopilot/internal/llm"
	"github.com/codefionn/autopilot/internal/logger"
)

const maxTitleLength = 80

// TitleGenerator names sessions after the first thing the user asked.
type TitleGenerator struct {
	client llm.Client
	log    *logger.Logger
}

// NewTitleGenerator creates a TitleGenerator. A nil client always uses the
// fallback title.
func NewTitleGenerator(client llm.Client, log *logger.Logger) *TitleGenerator {
	return &TitleGenerator{client: client, log: logger.OrNop(log)}
}

// GenerateTitle asks the model for a title and falls back to a title
// derived from the input when the model fails or answers badly.
func (tg *TitleGenerator) GenerateTitle(ctx context.Context, userInput string, contextNames []string) string {
	if tg.client == nil {
		return generateSimpleTitle(userInput)
	}

	response, err := tg.client.Complete(ctx, buildTitleGenerationPrompt(userInput, contextNames))
	if err != nil {
		tg.log.Warn("failed to generate title with LLM, using fallback: %v", err)
		return generateSimpleTitle(userInput)
	}

	var result struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal([]byte(cleanLLMJSONResponse(response)), &result); err != nil {
		tg.log.Warn("failed to parse LLM title response, using fallback: %v", err)
		return generateSimpleTitle(userInput)
	}

	title := strings.TrimSpace(result.Title)
	if title == "" {
		tg.log.Warn("LLM returned empty title, using fallback")
		return generateSimpleTitle(userInput)
	}
	return truncateTitle(title)
}

func buildTitleGenerationPrompt(userInput string, contextNames []string) string {
	var sb strings.Builder

	sb.WriteString("You are a session title generator. Generate a concise, descriptive title (maximum 80 characters) for a coding session based on the user's first message.\n\n")
	sb.WriteString(fmt.Sprintf("User's message:\n%s\n\n", userInput))

	if len(contextNames) > 0 {
		sb.WriteString("Context attached to the session:\n")
		for i, name := range contextNames {
			if i >= 20 {
				sb.WriteString(fmt.Sprintf("... and %d more\n", len(contextNames)-20))
				break
			}
			sb.WriteString(fmt.Sprintf("- %s\n", name))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("The title should name the main task and be easy to understand at a glance.\n\n")
	sb.WriteString("Examples of good titles:\n")
	sb.WriteString("- \"Fix authentication bug in login handler\"\n")
	sb.WriteString("- \"Add dark mode toggle to settings\"\n")
	sb.WriteString("- \"Explain KeyError in data loader\"\n\n")
	sb.WriteString("Respond with ONLY a JSON object in this exact format (no markdown, no code blocks):\n")
	sb.WriteString(`{"title": "your generated title here"}`)

	return sb.String()
}

var politePrefixes = []string{"please ", "can you ", "could you ", "would you "}

// generateSimpleTitle derives a title from the first line of the input.
func generateSimpleTitle(userInput string) string {
	title := strings.TrimSpace(strings.SplitN(userInput, "\n", 2)[0])
	title = strings.TrimPrefix(title, "/")

	for _, prefix := range politePrefixes {
		if len(title) >= len(prefix) && strings.EqualFold(title[:len(prefix)], prefix) {
			title = title[len(prefix):]
			break
		}
	}

	if title == "" {
		return "New session"
	}

	runes := []rune(title)
	runes[0] = []rune(strings.ToUpper(string(runes[0])))[0]
	return truncateTitle(string(runes))
}

func truncateTitle(title string) string {
	runes := []rune(title)
	if len(runes) <= maxTitleLength {
		return title
	}
	return string(runes[:maxTitleLength-3]) + "..."
}

// cleanLLMJSONResponse strips markdown fences around a JSON answer.
func cleanLLMJSONResponse(response string) string {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	return strings.TrimSpace(response)
}
