package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/codefionn/autopilot/internal/core"
	"github.com/codefionn/autopilot/internal/logger"
)

// ErrNotFound is returned when no session file exists for an id.
var ErrNotFound = errors.New("session not found")

const fileExt = ".json"

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Metadata describes a stored session without decoding its history.
type Metadata struct {
	ID                 string    `json:"session_id"`
	Title              string    `json:"title"`
	WorkspaceDirectory string    `json:"workspace_directory,omitempty"`
	DateCreated        time.Time `json:"date_created"`
	UpdatedAt          time.Time `json:"updated_at"`
	NodeCount          int       `json:"node_count"`
}

// Store persists session snapshots as one JSON file per session id.
type Store struct {
	dir string
	log *logger.Logger
}

// NewStore creates the session directory if needed.
func NewStore(dir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session storage directory: %w", err)
	}
	return &Store{dir: dir, log: logger.OrNop(log).WithPrefix("session")}, nil
}

// Dir returns the directory sessions are stored in.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+fileExt)
}

// sanitizeSessionID produces a filesystem-safe id. An id that sanitizes to
// nothing is rejected rather than invented, since it names an existing file.
func sanitizeSessionID(id string) (string, error) {
	id = strings.TrimSpace(id)
	id = strings.ReplaceAll(id, string(os.PathSeparator), "-")
	id = nonAlnum.ReplaceAllString(id, "-")
	id = strings.Trim(id, "-.")
	if id == "" {
		return "", fmt.Errorf("invalid session id")
	}
	return id, nil
}

// Save writes state atomically. The snapshot must carry session info.
func (s *Store) Save(state core.FullState) error {
	if state.SessionInfo == nil {
		return fmt.Errorf("cannot save session without session info")
	}
	id, err := sanitizeSessionID(state.SessionInfo.SessionID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	final := s.path(id)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	s.log.Debug("saved session %s (%d nodes)", id, len(state.History.Timeline))
	return nil
}

// Load reads the snapshot of a session.
func (s *Store) Load(id string) (*core.FullState, error) {
	id, err := sanitizeSessionID(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var state core.FullState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	if state.SessionInfo == nil {
		state.SessionInfo = &core.SessionInfo{SessionID: id}
	}
	return &state, nil
}

// List returns the stored sessions, most recently updated first. A
// non-empty workspace limits the result to sessions of that directory.
func (s *Store) List(workspace string) ([]Metadata, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Metadata{}, nil
		}
		return nil, fmt.Errorf("failed to read session directory: %w", err)
	}

	out := make([]Metadata, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != fileExt {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), fileExt)
		state, err := s.Load(id)
		if err != nil {
			s.log.Warn("skipping unreadable session %s: %v", id, err)
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if workspace != "" && state.SessionInfo.WorkspaceDirectory != workspace {
			continue
		}
		out = append(out, Metadata{
			ID:                 state.SessionInfo.SessionID,
			Title:              state.SessionInfo.Title,
			WorkspaceDirectory: state.SessionInfo.WorkspaceDirectory,
			DateCreated:        state.SessionInfo.DateCreated,
			UpdatedAt:          info.ModTime(),
			NodeCount:          len(state.History.Timeline),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Delete removes a stored session.
func (s *Store) Delete(id string) error {
	id, err := sanitizeSessionID(id)
	if err != nil {
		return err
	}
	if err := os.Remove(s.path(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.log.Info("deleted session %s", id)
	return nil
}
