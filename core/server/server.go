// Package server exposes the turn core to browser clients over a websocket.
// Each connection is one session with at most one running turn.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	orchestration "github.com/koscakluka/ema-vtuber/core"
	"github.com/koscakluka/ema-vtuber/core/agents"
	"github.com/koscakluka/ema-vtuber/core/channel"
	"github.com/koscakluka/ema-vtuber/core/history"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TurnProcessor runs one turn for a client.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, ch channel.Channel, req orchestration.TurnRequest) (string, error)
}

type Server struct {
	processor TurnProcessor
	history   history.Recorder
	memory    agents.Memory
	playback  *PlaybackTracker
	character orchestration.Character

	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	metrics      *metrics

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

type Option func(*Server)

// WithHistory is used to record interruptions. Turns record themselves
// through the processor.
func WithHistory(recorder history.Recorder) Option {
	return func(s *Server) { s.history = recorder }
}

// WithAgentMemory keeps the agent's conversation of each client truthful on
// interruption and drops it when the client disconnects.
func WithAgentMemory(memory agents.Memory) Option {
	return func(s *Server) { s.memory = memory }
}

// WithPlaybackTracker routes frontend-playback-complete messages to tracker.
// Pass the same tracker to the orchestrator.
func WithPlaybackTracker(tracker *PlaybackTracker) Option {
	return func(s *Server) { s.playback = tracker }
}

func WithCharacter(character orchestration.Character) Option {
	return func(s *Server) { s.character = character }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

func New(processor TurnProcessor, opts ...Option) *Server {
	s := &Server{
		processor: processor,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  65536,
			WriteBufferSize: 65536,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		writeTimeout: 10 * time.Second,
		metrics:      newMetrics(),
		sessions:     map[string]*session{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.playback == nil {
		s.playback = NewPlaybackTracker()
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/client-ws", s.serveClient)
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// ListenAndServe serves until ctx is cancelled, then closes every session and
// waits for running turns to finish.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errs := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "server listening", "addr", addr)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var shutdownErr error
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		shutdownErr = fmt.Errorf("failed to shut down http server: %w", err)
	}
	s.closeSessions()
	s.wg.Wait()
	return shutdownErr
}

func (s *Server) serveClient(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	sess := newSession(r.Context(), s, conn, uuid.NewString())
	s.mu.Lock()
	s.sessions[sess.uid] = sess
	s.mu.Unlock()
	s.metrics.connections.Inc()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.uid)
		s.mu.Unlock()
		s.metrics.connections.Dec()
		s.playback.Forget(sess.uid)
		if s.memory != nil {
			s.memory.Forget(sess.uid)
		}
	}()

	sess.run()
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}
