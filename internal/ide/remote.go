package ide

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codefionn/autopilot/internal/consts"
	"github.com/codefionn/autopilot/internal/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrDisconnected is returned for requests pending when the editor goes away.
var ErrDisconnected = errors.New("ide connection closed")

// Message is the envelope exchanged with a remote editor. Replies carry the
// RequestID of the request they answer; notifications carry none.
type Message struct {
	MessageType string          `json:"messageType"`
	RequestID   string          `json:"requestId,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Message types of the editor protocol.
const (
	MsgReadFile            = "readFile"
	MsgApplyFileSystemEdit = "applyFileSystemEdit"
	MsgOpenFiles           = "openFiles"
	MsgVisibleFiles        = "visibleFiles"
	MsgHighlightedCode     = "highlightedCode"
	MsgRunCommand          = "runCommand"
	MsgSetFileOpen         = "setFileOpen"
	MsgSaveFile            = "saveFile"
	MsgGetUserSecret       = "getUserSecret"

	// notifications sent by the editor
	MsgFileEdits     = "fileEdits"
	MsgCommandOutput = "commandOutput"

	// MsgSessionID tells the editor which session it is attached to.
	MsgSessionID = "sessionId"
)

// RemoteIDE forwards IDE operations to an editor connected over a
// websocket. Every request is bounded by a timeout and fails with ErrTimeout
// when the editor does not answer in time.
type RemoteIDE struct {
	conn      *websocket.Conn
	workspace string
	timeout   time.Duration
	log       *logger.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Message
	sink    EventSink

	done      chan struct{}
	closeOnce sync.Once
}

// NewRemoteIDE wraps an established editor connection. A non-positive
// timeout selects consts.DefaultIDETimeout.
func NewRemoteIDE(conn *websocket.Conn, workspace string, timeout time.Duration, log *logger.Logger) *RemoteIDE {
	if timeout <= 0 {
		timeout = consts.DefaultIDETimeout
	}
	return &RemoteIDE{
		conn:      conn,
		workspace: workspace,
		timeout:   timeout,
		log:       logger.OrNop(log).WithPrefix("remote-ide"),
		pending:   make(map[string]chan Message),
		done:      make(chan struct{}),
	}
}

// SetEventSink routes editor notifications to sink.
func (r *RemoteIDE) SetEventSink(sink EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// Done is closed once the connection has stopped serving.
func (r *RemoteIDE) Done() <-chan struct{} {
	return r.done
}

// Serve reads replies and notifications until the connection closes or ctx
// is cancelled.
func (r *RemoteIDE) Serve(ctx context.Context) error {
	defer r.Close()

	go func() {
		select {
		case <-ctx.Done():
			r.Close()
		case <-r.done:
		}
	}()

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.log.Error("editor read error: %v", err)
				return err
			}
			return nil
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			r.log.Warn("dropping malformed editor message: %v", err)
			continue
		}

		if msg.RequestID != "" {
			r.deliver(msg)
			continue
		}
		r.handleNotification(ctx, msg)
	}
}

func (r *RemoteIDE) deliver(msg Message) {
	r.mu.Lock()
	ch, ok := r.pending[msg.RequestID]
	delete(r.pending, msg.RequestID)
	r.mu.Unlock()
	if !ok {
		r.log.Debug("reply for unknown request %s (%s)", msg.RequestID, msg.MessageType)
		return
	}
	ch <- msg
}

func (r *RemoteIDE) handleNotification(ctx context.Context, msg Message) {
	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()
	if sink == nil {
		return
	}

	switch msg.MessageType {
	case MsgFileEdits:
		var payload struct {
			FileEdits []FileEditWithFullContents `json:"fileEdits"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			r.log.Warn("bad fileEdits payload: %v", err)
			return
		}
		sink.HandleManualEdits(payload.FileEdits)
	case MsgCommandOutput:
		var payload struct {
			Output string `json:"output"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			r.log.Warn("bad commandOutput payload: %v", err)
			return
		}
		go sink.HandleCommandOutput(ctx, payload.Output)
	default:
		r.log.Debug("ignoring editor notification %s", msg.MessageType)
	}
}

// Close closes the connection and fails all pending requests.
func (r *RemoteIDE) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.conn.Close()
	})
	return err
}

// Notify sends a message that expects no reply.
func (r *RemoteIDE) Notify(messageType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s notification: %w", messageType, err)
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(consts.Timeout10Seconds))
	if err := r.conn.WriteJSON(Message{MessageType: messageType, Data: data}); err != nil {
		return fmt.Errorf("failed to send %s notification: %w", messageType, err)
	}
	return nil
}

func (r *RemoteIDE) request(ctx context.Context, messageType string, payload, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", messageType, err)
	}

	id := uuid.NewString()
	reply := make(chan Message, 1)
	r.mu.Lock()
	r.pending[id] = reply
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	r.writeMu.Lock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(consts.Timeout10Seconds))
	err = r.conn.WriteJSON(Message{MessageType: messageType, RequestID: id, Data: data})
	r.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send %s request: %w", messageType, err)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case msg := <-reply:
		if msg.Error != "" {
			return fmt.Errorf("%s failed in editor: %s", messageType, msg.Error)
		}
		if out == nil || len(msg.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(msg.Data, out); err != nil {
			return fmt.Errorf("failed to decode %s reply: %w", messageType, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s after %s", ErrTimeout, messageType, r.timeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrDisconnected
	}
}

// WorkspaceDirectory returns the workspace announced by the editor.
func (r *RemoteIDE) WorkspaceDirectory() string {
	return r.workspace
}

// ReadFile asks the editor for the current contents of path.
func (r *RemoteIDE) ReadFile(ctx context.Context, path string) (string, error) {
	var out struct {
		Contents string `json:"contents"`
	}
	err := r.request(ctx, MsgReadFile, map[string]string{"filepath": path}, &out)
	return out.Contents, err
}

// ApplyFileSystemEdit has the editor apply edit and report the inverse.
func (r *RemoteIDE) ApplyFileSystemEdit(ctx context.Context, edit FileSystemEdit) (EditDiff, error) {
	var out struct {
		Diff EditDiff `json:"diff"`
	}
	err := r.request(ctx, MsgApplyFileSystemEdit, map[string]interface{}{"edit": edit}, &out)
	return out.Diff, err
}

// GetOpenFiles lists the files open in the editor.
func (r *RemoteIDE) GetOpenFiles(ctx context.Context) ([]string, error) {
	var out struct {
		OpenFiles []string `json:"openFiles"`
	}
	err := r.request(ctx, MsgOpenFiles, nil, &out)
	return out.OpenFiles, err
}

// GetVisibleFiles lists the files visible in editor panes.
func (r *RemoteIDE) GetVisibleFiles(ctx context.Context) ([]string, error) {
	var out struct {
		VisibleFiles []string `json:"visibleFiles"`
	}
	err := r.request(ctx, MsgVisibleFiles, nil, &out)
	return out.VisibleFiles, err
}

// GetHighlightedCode returns the editor selections.
func (r *RemoteIDE) GetHighlightedCode(ctx context.Context) ([]RangeInFile, error) {
	var out struct {
		HighlightedCode []RangeInFile `json:"highlightedCode"`
	}
	err := r.request(ctx, MsgHighlightedCode, nil, &out)
	return out.HighlightedCode, err
}

// RunCommand runs command in the editor's terminal.
func (r *RemoteIDE) RunCommand(ctx context.Context, command string) (string, error) {
	var out struct {
		Output   string `json:"output"`
		ExitCode int    `json:"exitCode"`
	}
	if err := r.request(ctx, MsgRunCommand, map[string]string{"command": command}, &out); err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		return out.Output, &CommandError{Command: command, ExitCode: out.ExitCode, Output: out.Output}
	}
	return out.Output, nil
}

// SetFileOpen opens or closes path in the editor.
func (r *RemoteIDE) SetFileOpen(ctx context.Context, path string, open bool) error {
	return r.request(ctx, MsgSetFileOpen, map[string]interface{}{"filepath": path, "open": open}, nil)
}

// SaveFile saves path in the editor.
func (r *RemoteIDE) SaveFile(ctx context.Context, path string) error {
	return r.request(ctx, MsgSaveFile, map[string]string{"filepath": path}, nil)
}

// GetUserSecret asks the editor for a stored secret.
func (r *RemoteIDE) GetUserSecret(ctx context.Context, key string) (string, error) {
	var out struct {
		Value string `json:"value"`
	}
	err := r.request(ctx, MsgGetUserSecret, map[string]string{"key": key}, &out)
	return out.Value, err
}
