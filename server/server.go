// Package server is the local control surface: the tutoring UI drives the
// pipeline over a WebSocket and reads the composite over plain HTTP.
package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/room4-2/tutorstream/config"
	"github.com/room4-2/tutorstream/functions"
	"github.com/room4-2/tutorstream/messages"
	"github.com/room4-2/tutorstream/mixer"
	"github.com/room4-2/tutorstream/session"
	"github.com/room4-2/tutorstream/tutor"
)

// Controller is the part of *session.Pipeline the control surface drives.
type Controller interface {
	Attach(s session.Sink) func()
	ConnectTutor(ctx context.Context, o session.ConnectOverrides) error
	DisconnectTutor(ctx context.Context)
	PushAudio(pcm []byte)
	SetMuted(muted bool)
	SetCamera(ctx context.Context, on bool) error
	SetScreen(ctx context.Context, on bool) error
	SetQuestion(q functions.Question)
	Answered(questionID string, correct bool)
	SendText(text string) error
	SessionID() string
	TutorState() tutor.State
	Mixer() *mixer.Mixer
}

var _ Controller = (*session.Pipeline)(nil)

// Server is the local control surface: one UI WebSocket driving the
// pipeline, plus health and snapshot endpoints.
type Server struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader
	pipeline   Controller
	config     *config.Config
	log        pslog.Logger

	mu     sync.Mutex
	active *controlConn
}

// NewServerWebsocket builds a Server listening on cfg's port. A nil
// log falls back to the context logger.
func NewServerWebsocket(cfg *config.Config, pipeline Controller, log pslog.Logger) *Server {
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	s := &Server{
		pipeline: pipeline,
		config:   cfg,
		log:      log.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    64 * 1024, // 64KB for audio chunks
			WriteBufferSize:   64 * 1024, // 64KB for audio chunks
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/snapshot.jpg", s.handleSnapshot)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routes, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for connections
func (s *Server) Start() error {
	s.log.Info("🚀 control surface starting", "port", s.config.Port)
	s.log.Info("📡 WebSocket endpoint", "url", fmt.Sprintf("ws://localhost:%d/ws", s.config.Port))
	return s.httpServer.ListenAndServe()
}

// Shutdown closes the UI connection and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("🛑 shutting down control surface")
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		active.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "err", err)
		return
	}

	conn := newControlConn(ws, s.pipeline, s.log)
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		s.log.Warn("rejecting second control connection", "remote", r.RemoteAddr)
		conn.reject(messages.NewErrorMessage("", messages.ErrCodeBusy, "another client is already connected"))
		return
	}
	s.active = conn
	s.mu.Unlock()

	s.log.Info("✅ UI connected", "conn", conn.id, "remote", r.RemoteAddr)
	conn.Start()
	<-conn.CloseChan

	s.mu.Lock()
	if s.active == conn {
		s.active = nil
	}
	s.mu.Unlock()

	// The tutor session belongs to the UI that opened it.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.pipeline.DisconnectTutor(ctx)
	s.log.Info("🔌 UI disconnected", "conn", conn.id)
}

type healthResponse struct {
	Status     string `json:"status"`
	Tutor      string `json:"tutor"`
	SessionID  string `json:"sessionId,omitempty"`
	UI         bool   `json:"ui"`
	Mixing     bool   `json:"mixing"`
	Composites uint64 `json:"composites"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ui := s.active != nil
	s.mu.Unlock()
	stats := s.pipeline.Mixer().Stats()

	body, err := sonic.Marshal(healthResponse{
		Status:     "ok",
		Tutor:      s.pipeline.TutorState().String(),
		SessionID:  s.pipeline.SessionID(),
		UI:         ui,
		Mixing:     stats.Running,
		Composites: stats.Composites,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.pipeline.Mixer().EncodeJPEG(&buf, 85); err != nil {
		s.log.Warn("snapshot encode failed", "err", err)
		http.Error(w, "snapshot unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf.Bytes())
}
