package ide

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startRemote serves one editor connection and hands the resulting RemoteIDE
// back to the test. The returned conn is the editor side.
func startRemote(t *testing.T, timeout time.Duration, sink EventSink) (*RemoteIDE, *websocket.Conn) {
	t.Helper()

	remotes := make(chan *RemoteIDE, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		remote := NewRemoteIDE(conn, "/workspace", timeout, nil)
		if sink != nil {
			remote.SetEventSink(sink)
		}
		remotes <- remote
		_ = remote.Serve(context.Background())
	}))
	t.Cleanup(srv.Close)

	editor, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { editor.Close() })

	select {
	case remote := <-remotes:
		t.Cleanup(func() { remote.Close() })
		return remote, editor
	case <-time.After(5 * time.Second):
		t.Fatal("editor connection was never accepted")
		return nil, nil
	}
}

func TestRemoteIDEReadFile(t *testing.T) {
	remote, editor := startRemote(t, time.Second, nil)

	go func() {
		var req Message
		if err := editor.ReadJSON(&req); err != nil {
			return
		}
		var params map[string]string
		_ = json.Unmarshal(req.Data, &params)
		data, _ := json.Marshal(map[string]string{"contents": "contents of " + params["filepath"]})
		_ = editor.WriteJSON(Message{MessageType: req.MessageType, RequestID: req.RequestID, Data: data})
	}()

	got, err := remote.ReadFile(context.Background(), "main.go")
	require.NoError(t, err)
	assert.Equal(t, "contents of main.go", got)
	assert.Equal(t, "/workspace", remote.WorkspaceDirectory())
}

func TestRemoteIDETimesOut(t *testing.T) {
	remote, editor := startRemote(t, 50*time.Millisecond, nil)

	go func() {
		// read and never answer
		var req Message
		_ = editor.ReadJSON(&req)
	}()

	_, err := remote.GetOpenFiles(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
}

func TestRemoteIDECommandExitCode(t *testing.T) {
	remote, editor := startRemote(t, time.Second, nil)

	go func() {
		var req Message
		if err := editor.ReadJSON(&req); err != nil {
			return
		}
		data, _ := json.Marshal(map[string]interface{}{"output": "FAIL", "exitCode": 1})
		_ = editor.WriteJSON(Message{MessageType: req.MessageType, RequestID: req.RequestID, Data: data})
	}()

	out, err := remote.RunCommand(context.Background(), "go test ./...")
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "FAIL", out)
}

func TestRemoteIDEForwardsManualEdits(t *testing.T) {
	sink := &recordingSink{}
	_, editor := startRemote(t, time.Second, sink)

	data, _ := json.Marshal(map[string]interface{}{
		"fileEdits": []FileEditWithFullContents{{
			Edit:             NewFileEdit("a.txt", Range{}, "x"),
			PreviousContents: "",
			Contents:         "x",
		}},
	})
	require.NoError(t, editor.WriteJSON(Message{MessageType: MsgFileEdits, Data: data}))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "a.txt", sink.snapshot()[0].Edit.Filepath)
}

func TestRemoteIDEDisconnectFailsPending(t *testing.T) {
	remote, editor := startRemote(t, 5*time.Second, nil)

	go func() {
		var req Message
		_ = editor.ReadJSON(&req)
		editor.Close()
	}()

	_, err := remote.GetVisibleFiles(context.Background())
	assert.True(t, errors.Is(err, ErrDisconnected), "got %v", err)
}
