package llm

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// perMessageOverhead approximates the role/separator tokens of one chat message.
const perMessageOverhead = 4

// TokenCounter returns the number of tokens text occupies.
type TokenCounter func(text string) int

var encoders sync.Map // model -> *tiktoken.Tiktoken (nil when unavailable)

// NewTokenCounter returns a counter using the model's tiktoken encoding,
// cl100k_base when the model is unknown, or a character heuristic when no
// encoding can be loaded.
func NewTokenCounter(model string) TokenCounter {
	encoder := encodingForModel(model)
	return func(text string) int {
		return tokenCount(encoder, text)
	}
}

func encodingForModel(model string) *tiktoken.Tiktoken {
	if cached, ok := encoders.Load(model); ok {
		enc, _ := cached.(*tiktoken.Tiktoken)
		return enc
	}

	encoder, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoder, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			encoder = nil
		}
	}
	encoders.Store(model, encoder)
	return encoder
}

func tokenCount(encoder *tiktoken.Tiktoken, text string) int {
	if text == "" {
		return 0
	}
	if encoder != nil {
		return len(encoder.Encode(text, nil, nil))
	}
	return EstimateTokenCount(text)
}

// EstimateTokenCount returns a rough token estimate for the provided content.
func EstimateTokenCount(content string) int {
	return charsToTokens(utf8.RuneCountInString(content))
}

// EstimateTokenCountForMessage returns the token estimate for a single message's content.
func EstimateTokenCountForMessage(msg *Message) int {
	if msg == nil {
		return 0
	}
	return EstimateTokenCount(msg.Content)
}

func charsToTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	tokens := chars / 4
	if tokens <= 0 {
		tokens = 1
	}
	return tokens
}
