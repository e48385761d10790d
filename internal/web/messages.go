package web

import (
	"encoding/json"
	"fmt"

	"github.com/codefionn/autopilot/internal/core"
)

// Inbound message types sent by the GUI.
const (
	MessageTypeMainInput            = "main_input"
	MessageTypeStepUserInput        = "step_user_input"
	MessageTypeRefinementInput      = "refinement_input"
	MessageTypeReverseToIndex       = "reverse_to_index"
	MessageTypeRetryAtIndex         = "retry_at_index"
	MessageTypeClearHistory         = "clear_history"
	MessageTypeDeleteAtIndex        = "delete_at_index"
	MessageTypeDeleteContextWithIDs = "delete_context_with_ids"
	MessageTypeSelectContextItem    = "select_context_item"
	MessageTypeShowLogsAtIndex      = "show_logs_at_index"
	MessageTypeEditStepAtIndex      = "edit_step_at_index"
	MessageTypeLoadSession          = "load_session"
	MessageTypeSetSessionTitle      = "set_current_session_title"
)

// Outbound message types sent to the GUI.
const (
	MessageTypeStateUpdate = "state_update"
	MessageTypeLogs        = "logs"
	MessageTypeError       = "error"
)

// WebMessage is the envelope of the GUI protocol.
type WebMessage struct {
	MessageType string          `json:"messageType"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// InboundData carries the fields of every inbound message type. Which
// fields are set depends on the message type.
type InboundData struct {
	Input     string   `json:"input,omitempty"`
	UserInput string   `json:"user_input,omitempty"`
	Index     *int     `json:"index,omitempty"`
	IDs       []string `json:"ids,omitempty"`
	ID        string   `json:"id,omitempty"`
	Query     string   `json:"query,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Title     string   `json:"title,omitempty"`
}

// index returns the required index of a message.
func (d InboundData) index(messageType string) (int, error) {
	if d.Index == nil {
		return 0, fmt.Errorf("%s: missing index", messageType)
	}
	return *d.Index, nil
}

// LogsData answers show_logs_at_index.
type LogsData struct {
	Index int      `json:"index"`
	Logs  []string `json:"logs"`
}

// ErrorData reports a request the server could not handle.
type ErrorData struct {
	Error string `json:"error"`
}

func newMessage(messageType string, data interface{}) (*WebMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", messageType, err)
	}
	return &WebMessage{MessageType: messageType, Data: raw}, nil
}

func stateMessage(state core.FullState) (*WebMessage, error) {
	return newMessage(MessageTypeStateUpdate, state)
}

func errorMessage(err error) *WebMessage {
	msg, _ := newMessage(MessageTypeError, ErrorData{Error: err.Error()})
	return msg
}
