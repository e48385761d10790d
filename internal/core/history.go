package core

// HistoryNode is one executed step.
type HistoryNode struct {
	Step        Step
	Observation Observation
	Depth       int
	Deleted     bool
	Active      bool
	Logs        []string
}

// NewHistoryNode creates an active node without an observation.
func NewHistoryNode(step Step, depth int) *HistoryNode {
	return &HistoryNode{Step: step, Depth: depth, Active: true}
}

// ToChatMessages returns the messages this node contributes to the prompt:
// the step's own chat context, then a summary of what it did unless the
// step manages its context itself or is hidden.
func (n *HistoryNode) ToChatMessages() []*ChatMessage {
	if n.Deleted {
		return nil
	}
	base := n.Step.Base()
	msgs := make([]*ChatMessage, 0, len(base.ChatContext)+1)
	msgs = append(msgs, base.ChatContext...)
	if base.Hide || base.ManageOwnChatContext || base.Description == "" {
		return msgs
	}
	return append(msgs, &ChatMessage{
		Role:    "assistant",
		Name:    TypeName(n.Step),
		Content: base.Description,
		Summary: "Called function " + TypeName(n.Step),
	})
}

// History is the navigable record of a session. CurrentIndex is -1 when
// empty, otherwise a valid index into Timeline. Nodes past CurrentIndex
// form the future that can be replayed.
type History struct {
	Timeline     []*HistoryNode
	CurrentIndex int
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{CurrentIndex: -1}
}

// AddNode inserts node right after the current position and moves there.
func (h *History) AddNode(node *HistoryNode) int {
	at := h.CurrentIndex + 1
	h.Timeline = append(h.Timeline, nil)
	copy(h.Timeline[at+1:], h.Timeline[at:])
	h.Timeline[at] = node
	h.CurrentIndex = at
	return at
}

// GetCurrent returns the node at the current position, or nil.
func (h *History) GetCurrent() *HistoryNode {
	if h.CurrentIndex < 0 || h.CurrentIndex >= len(h.Timeline) {
		return nil
	}
	return h.Timeline[h.CurrentIndex]
}

// NodeAt returns the node at index, or nil when out of range.
func (h *History) NodeAt(index int) *HistoryNode {
	if index < 0 || index >= len(h.Timeline) {
		return nil
	}
	return h.Timeline[index]
}

// IndexOf returns the position of node, or -1.
func (h *History) IndexOf(node *HistoryNode) int {
	for i, n := range h.Timeline {
		if n == node {
			return i
		}
	}
	return -1
}

// GetLastAtDepth scans backwards for the latest node at exactly depth,
// starting at the current node or the one before it. Manual edit nodes are
// skipped.
func (h *History) GetLastAtDepth(depth int, includeCurrent bool) *HistoryNode {
	i := h.CurrentIndex
	if !includeCurrent {
		i--
	}
	for ; i >= 0; i-- {
		node := h.Timeline[i]
		if m, ok := node.Step.(ManualEditMarker); ok && m.IsManualEdit() {
			continue
		}
		if node.Depth == depth {
			return node
		}
	}
	return nil
}

// RemoveCurrentAndSubsteps removes the current node together with the
// nodes nested below it, which directly follow it at a depth greater than
// zero. The current position moves to the node before the removed ones, so
// the next AddNode takes their place.
func (h *History) RemoveCurrentAndSubsteps() {
	at := h.CurrentIndex
	if at < 0 || at >= len(h.Timeline) {
		return
	}
	end := at + 1
	for end < len(h.Timeline) && h.Timeline[end].Depth > 0 {
		end++
	}
	for i := at; i < end; i++ {
		h.Timeline[i] = nil
	}
	h.Timeline = append(h.Timeline[:at], h.Timeline[end:]...)
	h.CurrentIndex = at - 1
}

// TakeNextStep advances into the future and returns the step found there,
// or nil when there is no future.
func (h *History) TakeNextStep() Step {
	if !h.HasFuture() {
		return nil
	}
	h.CurrentIndex++
	return h.Timeline[h.CurrentIndex].Step
}

// HasFuture reports whether nodes exist past the current position.
func (h *History) HasFuture() bool {
	return h.CurrentIndex < len(h.Timeline)-1
}

// StepBack moves the current position one node back.
func (h *History) StepBack() {
	if h.CurrentIndex >= 0 {
		h.CurrentIndex--
	}
}

// PopStep removes the node at index and returns its step.
func (h *History) PopStep(index int) Step {
	if index < 0 || index >= len(h.Timeline) {
		return nil
	}
	node := h.Timeline[index]
	h.Timeline = append(h.Timeline[:index], h.Timeline[index+1:]...)
	if index <= h.CurrentIndex {
		h.CurrentIndex--
	}
	if h.CurrentIndex >= len(h.Timeline) {
		h.CurrentIndex = len(h.Timeline) - 1
	}
	return node.Step
}

// Truncate keeps the first n nodes and moves to the last of them.
func (h *History) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(h.Timeline) {
		for i := n; i < len(h.Timeline); i++ {
			h.Timeline[i] = nil
		}
		h.Timeline = h.Timeline[:n]
	}
	h.CurrentIndex = len(h.Timeline) - 1
}

// ToChatHistory folds the timeline into the conversation seen by models.
func (h *History) ToChatHistory() []*ChatMessage {
	var msgs []*ChatMessage
	for _, node := range h.Timeline {
		msgs = append(msgs, node.ToChatMessages()...)
	}
	return msgs
}
