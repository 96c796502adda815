package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/assistant-support/chathub/internal/config"
	"github.com/assistant-support/chathub/internal/manager"
	"github.com/assistant-support/chathub/internal/ws"
)

// Server hosts the daemon's HTTP surface: the realtime WebSocket endpoint
// and a liveness probe.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

func NewServer(cfg *config.Config, hub *ws.Hub, mgr *manager.Manager, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		counts := map[string]int{}
		for _, info := range mgr.ListSessions() {
			counts[info.Status]++
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"accounts": counts,
		})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:        cfg.Listen,
			Handler:     mux,
			ReadTimeout: 30 * time.Second,
			IdleTimeout: 120 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the route table, for tests that serve it on an
// ephemeral listener.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks serving connections until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown", zap.Error(err))
	}
}
