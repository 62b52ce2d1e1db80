// Package server exposes the journal, the analytics engine and the insight
// assistant over an HTTP JSON API and a WebSocket chat.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/lovecare/internal/analytics"
	"github.com/stellarlinkco/lovecare/internal/config"
	"github.com/stellarlinkco/lovecare/internal/insight"
	"github.com/stellarlinkco/lovecare/internal/journal"
	"github.com/stellarlinkco/lovecare/internal/logging"
)

const shutdownTimeout = 5 * time.Second

// Store is the part of the journal the API needs.
type Store interface {
	Register(ctx context.Context, email, password string) (journal.User, error)
	Authenticate(ctx context.Context, email, password string) (journal.User, error)
	CreateSession(ctx context.Context, email string, ttl time.Duration) (journal.Session, error)
	LookupSession(ctx context.Context, token string) (journal.Session, error)
	SaveBatch(ctx context.Context, email string, logs []analytics.DailyLog) (string, error)
	LatestBatch(ctx context.Context, email string) ([]analytics.DailyLog, error)
	ListBatches(ctx context.Context, email string, limit int) ([]journal.BatchSummary, error)
	LinkTelegram(ctx context.Context, email string, chatID int64) error
	CreateLinkCode(ctx context.Context, email string, ttl time.Duration) (journal.LinkCode, error)
}

type Server struct {
	cfg        config.ServerConfig
	store      Store
	assistant  insight.Assistant
	logger     *zap.Logger
	sessionTTL time.Duration
	origins    map[string]bool
	anyOrigin  bool

	httpServer *http.Server
	nextWSID   atomic.Int64
}

// New builds a Server. assistant may be nil, in which case chat endpoints
// answer 503.
func New(cfg config.ServerConfig, store Store, assistant insight.Assistant, logger *zap.Logger) (*Server, error) {
	ttl, err := time.ParseDuration(cfg.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("parse session ttl %q: %w", cfg.SessionTTL, err)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("session ttl must be positive, got %s", ttl)
	}

	s := &Server{
		cfg:        cfg,
		store:      store,
		assistant:  assistant,
		logger:     logging.OrNop(logger).Named("server"),
		sessionTTL: ttl,
		origins:    make(map[string]bool),
	}
	for _, o := range cfg.AllowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			s.anyOrigin = true
			continue
		}
		if o != "" {
			s.origins[o] = true
		}
	}
	return s, nil
}

// Handler returns the routed API with CORS and request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /analysis/calculate", s.handleCalculate)
	mux.HandleFunc("POST /analysis/explain", s.handleExplain)
	mux.HandleFunc("GET /analysis/latest", s.requireSession(s.handleLatest))
	mux.HandleFunc("GET /logs/history", s.requireSession(s.handleHistory))
	mux.HandleFunc("POST /insight/chat", s.handleChat)
	mux.HandleFunc("POST /notifications/telegram", s.requireSession(s.handleLinkTelegram))
	mux.HandleFunc("DELETE /notifications/telegram", s.requireSession(s.handleUnlinkTelegram))
	mux.HandleFunc("GET /ws", s.handleWS)
	return s.withLogging(s.withCORS(mux))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("shutdown error", zap.Error(err))
	}
	s.logger.Info("stopped")
	return nil
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimRight(r.Header.Get("Origin"), "/")
		if origin != "" && (s.anyOrigin || s.origins[origin]) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
