package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/codefionn/autopilot/internal/autopilot"
	"github.com/codefionn/autopilot/internal/config"
	"github.com/codefionn/autopilot/internal/consts"
	"github.com/codefionn/autopilot/internal/contextmgr"
	"github.com/codefionn/autopilot/internal/core"
	"github.com/codefionn/autopilot/internal/ide"
	"github.com/codefionn/autopilot/internal/llm"
	"github.com/codefionn/autopilot/internal/logger"
	"github.com/codefionn/autopilot/internal/steps"
	"github.com/google/uuid"
)

// Deps are the process-scoped collaborators shared by every session.
type Deps struct {
	Config *config.Config
	// ConfigErr is the error from loading Config, shown in new sessions.
	ConfigErr error
	Policy    core.Policy
	Models    core.Models
	IDE       ide.IDE
	Registry  *core.Registry
	Recorder  autopilot.StepRecorder
	Logger    *logger.Logger
}

// Session is an open session and its autopilot.
type Session struct {
	id          string
	ap          *autopilot.Autopilot
	unsubscribe func()
	ready       chan struct{}

	mu     sync.Mutex
	latest *core.FullState
	dirty  bool
	titled bool
}

func (s *Session) ID() string                      { return s.id }
func (s *Session) Autopilot() *autopilot.Autopilot { return s.ap }

// Ready is closed once the startup steps of a new session have run.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Manager opens, persists and closes sessions.
type Manager struct {
	deps     Deps
	store    *Store
	titles   *TitleGenerator
	log      *logger.Logger
	interval time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithAutoSaveInterval sets how often changed sessions are written.
func WithAutoSaveInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.interval = d }
}

// WithTitleGenerator replaces the title generator built from the small model.
func WithTitleGenerator(tg *TitleGenerator) ManagerOption {
	return func(m *Manager) { m.titles = tg }
}

// NewManager starts the autosave loop. Close stops it.
func NewManager(deps Deps, store *Store, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		deps:     deps,
		store:    store,
		log:      logger.OrNop(deps.Logger).WithPrefix("session"),
		interval: consts.AutoSaveInterval,
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
	if m.deps.Registry == nil {
		m.deps.Registry = steps.NewRegistry()
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.titles == nil {
		m.titles = NewTitleGenerator(m.smallModel(), m.log)
	}

	m.wg.Add(1)
	go m.autoSave()
	return m
}

func (m *Manager) smallModel() llm.Client {
	if m.deps.Models == nil {
		return nil
	}
	return m.deps.Models.Small()
}

// Store returns the backing store.
func (m *Manager) Store() *Store { return m.store }

// CreateOption configures a single new session.
type CreateOption func(*createOptions)

type createOptions struct {
	editor ide.IDE
}

// WithIDE attaches the session to editor instead of the shared IDE.
func WithIDE(editor ide.IDE) CreateOption {
	return func(o *createOptions) { o.editor = editor }
}

// Create opens a new session and runs its startup steps in the background.
func (m *Manager) Create(opts ...CreateOption) (*Session, error) {
	o := createOptions{editor: m.deps.IDE}
	for _, opt := range opts {
		opt(&o)
	}

	workspace := m.deps.Config.WorkingDir
	if o.editor != nil && o.editor.WorkspaceDirectory() != "" {
		workspace = o.editor.WorkspaceDirectory()
	}
	if abs, err := filepath.Abs(workspace); err == nil {
		workspace = abs
	}
	info := core.SessionInfo{
		SessionID:          uuid.NewString(),
		Title:              GenerateWordID(),
		DateCreated:        time.Now().UTC(),
		WorkspaceDirectory: workspace,
	}

	ap := m.newAutopilot(info, o.editor, autopilot.WithConfigError(m.deps.ConfigErr))
	s, err := m.attach(ap, info.SessionID, false)
	if err != nil {
		ap.Close()
		return nil, err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(s.ready)
		if err := ap.RunPolicy(m.ctx); err != nil && !errors.Is(err, autopilot.ErrHalted) {
			m.log.Warn("startup steps of session %s failed: %v", info.SessionID, err)
		}
	}()

	m.log.Info("created session %s", info.SessionID)
	return s, nil
}

// Open returns the session with id, restoring it from disk when it is not
// open yet. Restored sessions do not rerun startup steps.
func (m *Manager) Open(id string) (*Session, error) {
	if s, ok := m.Get(id); ok {
		return s, nil
	}

	state, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	history, err := core.DecodeHistory(m.deps.Registry, state.History)
	if err != nil {
		return nil, fmt.Errorf("failed to restore session %s: %w", id, err)
	}

	ap := m.newAutopilot(*state.SessionInfo, m.deps.IDE,
		autopilot.WithHistory(history),
		autopilot.WithUserInputQueue(state.UserInputQueue),
	)
	s, err := m.attach(ap, state.SessionInfo.SessionID, firstUserInput(*state) != "")
	if err != nil {
		ap.Close()
		return nil, err
	}
	close(s.ready)
	m.log.Info("restored session %s with %d nodes", s.id, len(state.History.Timeline))
	return s, nil
}

// Get returns an open session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns the stored sessions, most recent first.
func (m *Manager) List() ([]Metadata, error) {
	m.Flush()
	return m.store.List("")
}

// OpenSessions returns the ids of the open sessions in sorted order.
func (m *Manager) OpenSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseSession halts the session, saves it and forgets it.
func (m *Manager) CloseSession(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.shutdown(s)
}

// Delete closes the session if it is open and removes it from disk.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, open := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if open {
		s.unsubscribe()
		s.ap.Close()
	}
	err := m.store.Delete(id)
	if open && errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Flush writes every session that changed since its last save.
func (m *Manager) Flush() {
	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	for _, s := range open {
		m.save(s)
	}
}

// Close halts and saves every open session and stops background work.
func (m *Manager) Close() error {
	var errs []error
	m.closeOnce.Do(func() {
		m.cancel()

		m.mu.Lock()
		open := make([]*Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			open = append(open, s)
		}
		m.sessions = make(map[string]*Session)
		m.mu.Unlock()

		for _, s := range open {
			if err := m.shutdown(s); err != nil {
				errs = append(errs, err)
			}
		}
		m.wg.Wait()
	})
	return errors.Join(errs...)
}

func (m *Manager) newAutopilot(info core.SessionInfo, editor ide.IDE, opts ...autopilot.Option) *autopilot.Autopilot {
	cfg := m.deps.Config
	log := logger.OrNop(m.deps.Logger).WithPrefix(shortID(info.SessionID))
	workspace := info.WorkspaceDirectory
	if workspace == "" {
		workspace = cfg.WorkingDir
	}
	providers := contextmgr.FromConfig(cfg.ContextProviders, workspace, log)

	base := []autopilot.Option{
		autopilot.WithLogger(log),
		autopilot.WithRegistry(m.deps.Registry),
		autopilot.WithContextManager(contextmgr.NewManager(log, providers...)),
		autopilot.WithSessionInfo(info),
	}
	if m.deps.Recorder != nil {
		base = append(base, autopilot.WithRecorder(m.deps.Recorder))
	}
	return autopilot.New(cfg, m.deps.Policy, m.deps.Models, editor, append(base, opts...)...)
}

func (m *Manager) attach(ap *autopilot.Autopilot, id string, titled bool) (*Session, error) {
	s := &Session{id: id, ap: ap, titled: titled, ready: make(chan struct{})}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s is already open", id)
	}
	m.sessions[id] = s
	m.mu.Unlock()

	s.unsubscribe = ap.OnUpdate(func(state core.FullState) { m.observe(s, state) })
	return s, nil
}

// observe runs on the autopilot's notifying goroutine, so it only records
// the state and hands slow work to other goroutines.
func (m *Manager) observe(s *Session, state core.FullState) {
	s.mu.Lock()
	s.latest = &state
	s.dirty = true
	input := ""
	if !s.titled {
		if input = firstUserInput(state); input != "" {
			s.titled = true
		}
	}
	s.mu.Unlock()

	if input == "" {
		return
	}
	names := make([]string, 0, len(state.SelectedContextItems))
	for _, item := range state.SelectedContextItems {
		names = append(names, item.Name)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, consts.TitleTimeout)
		defer cancel()

		title := m.titles.GenerateTitle(ctx, input, names)
		info := s.ap.SessionInfo()
		if info == nil || m.ctx.Err() != nil {
			return
		}
		info.Title = title
		s.ap.SetSessionInfo(*info)
		m.log.Debug("session %s titled %q", s.id, title)
	}()
}

func (m *Manager) save(s *Session) {
	s.mu.Lock()
	if !s.dirty || s.latest == nil {
		s.mu.Unlock()
		return
	}
	state := s.latest
	s.dirty = false
	s.mu.Unlock()

	// Sessions nobody typed into are not worth listing.
	if firstUserInput(*state) == "" && len(state.UserInputQueue) == 0 {
		return
	}
	if err := m.store.Save(*state); err != nil {
		m.log.Error("failed to save session %s: %v", s.id, err)
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
	}
}

func (m *Manager) shutdown(s *Session) error {
	err := s.ap.Close()
	s.unsubscribe()

	state := s.ap.FullState()
	s.mu.Lock()
	s.latest = &state
	s.dirty = true
	s.mu.Unlock()
	m.save(s)
	return err
}

func (m *Manager) autoSave() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Flush()
		case <-m.ctx.Done():
			return
		}
	}
}

// firstUserInput returns the earliest input the user typed, or "".
func firstUserInput(state core.FullState) string {
	for _, node := range state.History.Timeline {
		if node.Deleted || node.Observation == nil {
			continue
		}
		if node.Observation.Kind == core.KindUserInput && node.Observation.UserInput != "" {
			return node.Observation.UserInput
		}
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
