package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/autopilot/internal/config"
	"github.com/codefionn/autopilot/internal/consts"
	"github.com/codefionn/autopilot/internal/ide"
	"github.com/codefionn/autopilot/internal/logger"
	"github.com/codefionn/autopilot/internal/pprof"
	"github.com/codefionn/autopilot/internal/session"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Server exposes sessions to the GUI over a websocket and REST routes, and
// accepts editor connections on /ide.
type Server struct {
	addr       string
	authToken  string
	cfg        *config.Config
	sessions   *session.Manager
	broker     *MessageBroker
	hub        *Hub
	log        *logger.Logger
	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener
	hubOnce    sync.Once
	profiling  bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuthToken requires token on every request, as a "token" query
// parameter or a bearer Authorization header.
func WithAuthToken(token string) ServerOption {
	return func(s *Server) { s.authToken = token }
}

// WithProfiling serves runtime profiles under /debug/pprof.
func WithProfiling() ServerOption {
	return func(s *Server) { s.profiling = true }
}

// WithAddr overrides the listen address from the config.
func WithAddr(addr string) ServerOption {
	return func(s *Server) { s.addr = addr }
}

// NewServer creates a new web server
func NewServer(cfg *config.Config, sessions *session.Manager, log *logger.Logger, opts ...ServerOption) *Server {
	log = logger.OrNop(log).WithPrefix("web")
	hub := NewHub(log)
	s := &Server{
		addr:     cfg.Server.Addr,
		cfg:      cfg,
		sessions: sessions,
		hub:      hub,
		broker:   NewMessageBroker(sessions, hub, log),
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The GUI is served from the editor's webview.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routes of the server and starts the hub.
func (s *Server) Handler() http.Handler {
	s.hubOnce.Do(func() { go s.hub.Run() })

	router := httprouter.New()
	router.GET("/health", s.handleHealth)
	router.GET("/sessions", s.auth(s.handleListSessions))
	router.GET("/sessions/:id", s.auth(s.handleGetSession))
	router.DELETE("/sessions/:id", s.auth(s.handleDeleteSession))
	router.GET("/ws", s.auth(s.handleWebSocket))
	router.GET("/ide", s.auth(s.handleIDE))
	if s.profiling {
		pprof.Mount(router, s.auth)
	}
	return router
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: consts.Timeout10Seconds,
		ErrorLog:          logger.StdLogger(s.log, slog.LevelError),
	}

	go func() {
		s.log.Info("listening on %s", listener.Addr())
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop shuts the HTTP server down and waits for running requests.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("stopping web server")
	var err error
	if s.httpServer != nil {
		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("failed to shutdown HTTP server: %w", shutdownErr)
		}
	}
	s.broker.Close()
	s.hub.Stop()
	return err
}

func (s *Server) auth(next httprouter.Handle) httprouter.Handle {
	if s.authToken == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			s.log.Warn("rejected %s %s: invalid auth token", r.Method, r.URL.Path)
			writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next(w, r, ps)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": len(s.sessions.OpenSessions()),
		"clients":  s.hub.ClientCount(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	list, err := s.sessions.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetSession(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if open, ok := s.sessions.Get(id); ok {
		writeJSON(w, http.StatusOK, open.Autopilot().FullState())
		return
	}
	state, err := s.sessions.Store().Load(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	s.broker.Forget(id)
	if err := s.sessions.Delete(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWebSocket connects a GUI. The optional "session" query parameter
// attaches it to an existing session; otherwise it starts with none and
// sends load_session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("failed to upgrade WebSocket: %v", err)
		return
	}

	client := NewClient(s.hub, conn, s.broker, s.log)
	s.hub.Register(client)
	if id := r.URL.Query().Get("session"); id != "" {
		if err := s.broker.Attach(client, id); err != nil {
			client.trySend(errorMessage(err))
		}
	}

	go client.WritePump()
	go client.ReadPump()
}

// handleIDE connects an editor. Each connection gets its own session whose
// IDE operations go to that editor; the session closes with the connection.
func (s *Server) handleIDE(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("failed to upgrade IDE connection: %v", err)
		return
	}

	timeout := time.Duration(s.cfg.IDETimeoutSeconds) * time.Second
	remote := ide.NewRemoteIDE(conn, r.URL.Query().Get("workspace"), timeout, s.log)
	sess, err := s.sessions.Create(session.WithIDE(remote))
	if err != nil {
		s.log.Error("failed to create session for editor: %v", err)
		remote.Close()
		return
	}
	remote.SetEventSink(sess.Autopilot())
	s.broker.Watch(sess)
	if err := remote.Notify(ide.MsgSessionID, map[string]string{"sessionId": sess.ID()}); err != nil {
		s.log.Warn("failed to announce session to editor: %v", err)
	}

	go func() {
		if err := remote.Serve(s.broker.ctx); err != nil {
			s.log.Warn("editor connection of %s ended: %v", sess.ID(), err)
		}
		s.broker.Forget(sess.ID())
		if err := s.sessions.CloseSession(sess.ID()); err != nil && !errors.Is(err, session.ErrNotFound) {
			s.log.Warn("failed to close session %s: %v", sess.ID(), err)
		}
	}()
}

func statusFor(err error) int {
	if errors.Is(err, session.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorData{Error: err.Error()})
}
