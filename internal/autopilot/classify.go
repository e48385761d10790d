package autopilot

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/codefionn/autopilot/internal/core"
	"github.com/codefionn/autopilot/internal/ide"
	"github.com/codefionn/autopilot/internal/llm"
)

// ClassifyError turns a step failure into the title and message shown on
// its node.
func ClassifyError(err error) (title, message string) {
	message = err.Error()

	var custom *core.CustomError
	if errors.As(err, &custom) {
		if custom.Title != "" {
			return custom.Title, custom.Message
		}
		return custom.Message, custom.Message
	}

	if errors.Is(err, llm.ErrRateLimited) {
		return "Rate limit exceeded", message
	}

	if errors.Is(err, ide.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return "Request timed out", message
	}

	if code, ok := llm.StatusCode(err); ok {
		switch {
		case code == 429:
			return "Rate limit exceeded", message
		case llm.IsContextLengthError(err):
			return "The context length is too long. Please reduce the number of highlighted ranges or the length of the conversation.", message
		case code == 529 || code >= 500:
			return "Model is overloaded", message
		}
	}

	lower := strings.ToLower(message)
	if strings.Contains(lower, "overloaded") {
		return "Model is overloaded", message
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "cannot connect to host") {
		return "Connection error", message
	}
	return message, message
}
