package llm

import (
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	openai "github.com/openai/openai-go"
	genai "google.golang.org/genai"
)

// StatusError is a non-2xx reply from a provider reached over plain HTTP.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

// StatusCode extracts the HTTP status of a provider error, whichever SDK
// produced it.
func StatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return anthropicErr.StatusCode, true
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return openaiErr.StatusCode, true
	}
	var googleErr genai.APIError
	if errors.As(err, &googleErr) {
		return googleErr.Code, true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode, true
	}
	return 0, false
}

// IsContextLengthError reports whether a 400 reply complains about the
// prompt being too long.
func IsContextLengthError(err error) bool {
	code, ok := StatusCode(err)
	if !ok || code != 400 {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "context length") ||
		strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "too long")
}
