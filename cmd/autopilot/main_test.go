package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/codefionn/autopilot/internal/core"
	"github.com/codefionn/autopilot/internal/lockfile"
	"github.com/codefionn/autopilot/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, mutate ...func(cfg map[string]interface{})) (path, sessionDir string) {
	t.Helper()
	dir := t.TempDir()
	sessionDir = filepath.Join(dir, "sessions")
	path = filepath.Join(dir, "config.json")
	cfg := map[string]interface{}{
		"working_dir": dir,
		"log_level":   "none",
		"session_dir": sessionDir,
	}
	for _, fn := range mutate {
		fn(cfg)
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, sessionDir
}

func saveSession(t *testing.T, dir, id, workspace string) {
	t.Helper()
	store, err := session.NewStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(core.FullState{
		History: core.HistoryState{
			Timeline: []core.NodeState{{
				Step:        core.StepState{Type: "user_input", Name: "User Input"},
				Observation: &core.ObservationState{Kind: core.KindUserInput, UserInput: "fix the tests"},
			}},
		},
		SessionInfo: &core.SessionInfo{
			SessionID:          id,
			Title:              "Fixing tests",
			DateCreated:        time.Now().UTC(),
			WorkspaceDirectory: workspace,
		},
	}))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	flags := &globalFlags{}
	cmd := rootCmd(flags)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	require.NoError(t, flags.profiles.Stop())
	return out.String(), err
}

func TestSessionsListAndDelete(t *testing.T) {
	cfgPath, sessionDir := writeConfig(t)
	saveSession(t, sessionDir, "abc", "/elsewhere")

	out, err := execute(t, "--config", cfgPath, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no saved sessions")

	out, err = execute(t, "--config", cfgPath, "sessions", "list", "--all", "--json")
	require.NoError(t, err)
	var list []session.Metadata
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "abc", list[0].ID)
	assert.Equal(t, 1, list[0].NodeCount)

	out, err = execute(t, "--config", cfgPath, "sessions", "delete", "abc")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted abc")

	_, err = execute(t, "--config", cfgPath, "sessions", "delete", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSessionsShow(t *testing.T) {
	cfgPath, sessionDir := writeConfig(t)
	saveSession(t, sessionDir, "abc", "/elsewhere")

	out, err := execute(t, "--config", cfgPath, "sessions", "show", "abc")
	require.NoError(t, err)
	assert.Contains(t, out, "Fixing tests")
	assert.Contains(t, out, "fix the tests")
}

func TestStatsNeedsDevData(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	_, err := execute(t, "--config", cfgPath, "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dev_data_path")
}

func TestStatsOnEmptyLog(t *testing.T) {
	devPath := filepath.Join(t.TempDir(), "dev.db")
	cfgPath, _ := writeConfig(t, func(cfg map[string]interface{}) { cfg["dev_data_path"] = devPath })
	out, err := execute(t, "--config", cfgPath, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "0 run, 0 failed")
}

func TestStatusReportsRunningServer(t *testing.T) {
	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"ok","sessions":2,"clients":1}`))
	}))
	defer health.Close()

	lockPath := filepath.Join(t.TempDir(), "server.lock")
	cfgPath, _ := writeConfig(t, func(cfg map[string]interface{}) {
		cfg["server"] = map[string]string{"lock_path": lockPath}
	})

	_, err := execute(t, "--config", cfgPath, "status")
	require.ErrorIs(t, err, lockfile.ErrNotRunning)

	lock := lockfile.New(lockPath)
	require.NoError(t, lock.TryAcquire(strings.TrimPrefix(health.URL, "http://")))
	defer lock.Release()

	out, err := execute(t, "--config", cfgPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "2 open sessions, 1 GUI clients")
}

func TestTranscriptFlushStopsAtRunningNode(t *testing.T) {
	var out bytes.Buffer
	view := newTranscript(&out, 80)

	state := core.FullState{History: core.HistoryState{Timeline: []core.NodeState{
		{
			Step:        core.StepState{Name: "User Input"},
			Observation: &core.ObservationState{Kind: core.KindUserInput, UserInput: "hello"},
		},
		{
			Step:        core.StepState{Name: "Secret", Hide: true},
			Observation: &core.ObservationState{Kind: core.KindText, Text: "hidden text"},
		},
		{Step: core.StepState{Name: "Chat"}, Active: true},
	}}}
	view.flush(state)
	assert.Contains(t, out.String(), "hello")
	assert.NotContains(t, out.String(), "hidden text")
	assert.NotContains(t, out.String(), "Chat")
	assert.Equal(t, 2, view.printed)

	state.History.Timeline[2].Active = false
	state.History.Timeline[2].Observation = &core.ObservationState{Kind: core.KindInternalError, Title: "Chat failed", Error: "boom"}
	view.flush(state)
	assert.Contains(t, out.String(), "Chat failed")
	assert.Equal(t, 3, view.printed)

	before := out.Len()
	view.flush(state)
	assert.Equal(t, before, out.Len())
}
