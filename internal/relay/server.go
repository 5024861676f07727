package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voxrelay/voxrelay/internal/botreg"
	"github.com/voxrelay/voxrelay/internal/egress"
	"github.com/voxrelay/voxrelay/internal/executor"
	"github.com/voxrelay/voxrelay/internal/gate"
	"github.com/voxrelay/voxrelay/internal/observe"
	"github.com/voxrelay/voxrelay/internal/upstream"

	scache "github.com/voxrelay/voxrelay/internal/cache"
)

// Server accepts browser WebSocket connections and runs one [Session] per
// connection.
type Server struct {
	manager  *upstream.Manager
	exec     *executor.Executor
	registry *gate.Registry
	waiters  *gate.Waiters
	store    *scache.Cache
	recorder Recorder
	metrics  *observe.Metrics
	tts      *egress.TTSClient
	bots     *botreg.Client

	lossThreshold float64

	mu       sync.Mutex
	sessions map[string]*Session
}

// ServerConfig wires a [Server]. Recorder, Metrics, TTS, and Bots may be nil.
type ServerConfig struct {
	Manager  *upstream.Manager
	Executor *executor.Executor
	Registry *gate.Registry
	Waiters  *gate.Waiters
	Store    *scache.Cache
	Recorder Recorder
	Metrics  *observe.Metrics
	TTS      *egress.TTSClient
	Bots     *botreg.Client

	// AudioLossThreshold marks sessions unhealthy above this loss ratio.
	AudioLossThreshold float64
}

// NewServer creates a [Server].
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		manager:       cfg.Manager,
		exec:          cfg.Executor,
		registry:      cfg.Registry,
		waiters:       cfg.Waiters,
		store:         cfg.Store,
		recorder:      cfg.Recorder,
		metrics:       cfg.Metrics,
		tts:           cfg.TTS,
		bots:          cfg.Bots,
		lossThreshold: cfg.AudioLossThreshold,
		sessions:      make(map[string]*Session),
	}
}

// Register adds the WebSocket entry point to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.HandleWS)
}

// SessionCount returns the number of live sessions; used by /health.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// HandleWS upgrades the request and runs the session until either peer
// closes. The handler blocks for the whole session lifetime.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	id := uuid.NewString()

	// Best-effort identity enrichment; a dead registry never delays the
	// session.
	var info botreg.BotInfo
	if s.bots != nil {
		if got, err := s.bots.Lookup(r.Context(), id); err != nil {
			slog.Debug("bot registry lookup failed", "session_id", id, "err", err)
		} else {
			info = got
		}
	}

	sess := NewSession(SessionConfig{
		ID:                 id,
		Browser:            conn,
		Manager:            s.manager,
		Executor:           s.exec,
		Registry:           s.registry,
		Waiters:            s.waiters,
		Store:              s.store,
		Recorder:           s.recorder,
		Metrics:            s.metrics,
		TTS:                s.tts,
		Model:              r.URL.Query().Get("model"),
		BotID:              info.BotID,
		BotName:            info.BotName,
		AudioLossThreshold: s.lossThreshold,
	})

	s.track(sess)
	defer s.untrack(sess)

	slog.Info("session opened",
		"session_id", id,
		"remote", r.RemoteAddr,
	)
	_ = sess.Run(r.Context())
}

// Shutdown closes every live session. Suspended confirmations resolve with a
// shutdown reason so no workflow is left hanging.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	open := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	if n := s.waiters.ResolveAll("server_shutdown"); n > 0 {
		slog.Info("resolved suspended confirmations on shutdown", "count", n)
	}
	for _, sess := range open {
		sess.shutdown("server shutdown", false)
	}
}

func (s *Server) track(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(context.Background(), 1)
	}
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}
