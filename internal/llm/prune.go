package llm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/codefionn/autopilot/internal/consts"
)

func messageTokens(count TokenCounter, msg *Message) int {
	return count(msg.Content) + perMessageOverhead
}

// PruneStringFromTop drops leading text until at most maxTokens remain.
func PruneStringFromTop(count TokenCounter, maxTokens int, text string) string {
	if maxTokens <= 0 {
		return ""
	}
	if count(text) <= maxTokens {
		return text
	}
	runes := []rune(text)
	// smallest cut that fits
	cut := sort.Search(len(runes), func(i int) bool {
		return count(string(runes[i:])) <= maxTokens
	})
	return string(runes[cut:])
}

// PruneChatHistory shrinks history until it fits into contextLength tokens
// with tokensForCompletion reserved for the reply. It works in stages and
// stops as soon as the history fits:
//
//  0. trim trailing lines of messages longer than a third of the window
//  1. replace older messages with their summaries
//  2. drop older messages, keeping the most recent few
//  3. summarize the recent messages except the last
//  4. drop all but the last message
//  5. truncate the last message from the top
//
// The returned messages are copies; history is not modified.
func PruneChatHistory(count TokenCounter, history []*Message, contextLength, tokensForCompletion int) []*Message {
	msgs := CloneMessages(history)
	keep := consts.KeepRecentMessages

	total := tokensForCompletion
	for _, m := range msgs {
		total += messageTokens(count, m)
	}

	// 0
	third := contextLength / 3
	longest := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if count(m.Content) > third {
			longest = append(longest, m)
		}
	}
	sort.SliceStable(longest, func(i, j int) bool { return len(longest[i].Content) > len(longest[j].Content) })
	for _, m := range longest {
		excess := count(m.Content) - third
		lines := strings.Split(m.Content, "\n")
		removed := 0
		for removed < excess && total > contextLength && len(lines) > 0 {
			delta := count("\n" + lines[len(lines)-1])
			lines = lines[:len(lines)-1]
			removed += delta
			total -= delta
		}
		m.Content = strings.Join(lines, "\n")
	}

	summarize := func(m *Message) {
		if m.Summary == "" {
			return
		}
		total -= count(m.Content)
		total += count(m.Summary)
		m.Content = m.Summary
	}

	// 1
	for i := 0; total > contextLength && i < len(msgs)-keep; i++ {
		summarize(msgs[i])
	}

	// 2
	for len(msgs) > keep && total > contextLength {
		total -= messageTokens(count, msgs[0])
		msgs = msgs[1:]
	}

	// 3
	for i := 0; total > contextLength && i < len(msgs)-1; i++ {
		summarize(msgs[i])
	}

	// 4
	for total > contextLength && len(msgs) > 1 {
		total -= messageTokens(count, msgs[0])
		msgs = msgs[1:]
	}

	// 5
	if total > contextLength && len(msgs) > 0 {
		last := msgs[0]
		budget := contextLength - tokensForCompletion - consts.TokenBufferForSafety
		last.Content = PruneStringFromTop(count, budget, last.Content)
	}

	return msgs
}

// CompileChatMessages builds the prompt for one call: history plus an
// optional trailing user prompt and system message, pruned to fit and with
// consecutive messages of the same role merged.
func CompileChatMessages(count TokenCounter, history []*Message, contextLength, maxTokens int, prompt, systemMessage string) ([]*Message, error) {
	if maxTokens+consts.TokenBufferForSafety >= contextLength {
		return nil, fmt.Errorf("max_tokens (%d) is too close to context_length (%d), which leaves no room for chat history; increase the model's context_length", maxTokens, contextLength)
	}

	msgs := CloneMessages(history)
	if prompt != "" {
		msgs = append(msgs, &Message{Role: RoleUser, Content: prompt, Summary: prompt})
	}

	hasSystem := strings.TrimSpace(systemMessage) != ""
	if hasSystem {
		// the system message sits just before the final message while pruning
		// so that it outlives the rest of the history
		sys := &Message{Role: RoleSystem, Content: systemMessage, Summary: systemMessage}
		if len(msgs) == 0 {
			msgs = append(msgs, sys)
		} else {
			last := len(msgs) - 1
			msgs = append(msgs[:last], sys, msgs[last])
		}
	}

	pruned := PruneChatHistory(count, msgs, contextLength, maxTokens+consts.TokenBufferForSafety)

	if hasSystem && len(pruned) >= 2 && pruned[len(pruned)-2].Role == RoleSystem {
		sys := pruned[len(pruned)-2]
		rest := append(append([]*Message{}, pruned[:len(pruned)-2]...), pruned[len(pruned)-1])
		pruned = append([]*Message{sys}, rest...)
	}

	return flattenMessages(pruned), nil
}

func flattenMessages(msgs []*Message) []*Message {
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}
