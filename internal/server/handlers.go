package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/lovecare/internal/analytics"
	"github.com/stellarlinkco/lovecare/internal/insight"
	"github.com/stellarlinkco/lovecare/internal/journal"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100

	linkCodeTTL = 10 * time.Minute
)

type sessionKey struct{}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type calculateRequest struct {
	Email string               `json:"email"`
	Logs  []analytics.DailyLog `json:"logs"`
}

type logsRequest struct {
	Logs []analytics.DailyLog `json:"logs"`
}

type chatRequest struct {
	Logs     []analytics.DailyLog `json:"logs"`
	Results  *analytics.Results   `json:"results,omitempty"`
	Question string               `json:"question"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonOK(w, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	u, err := s.store.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("user registered", zap.Int64("id", u.ID))
	jsonOK(w, map[string]any{
		"status": "success",
		"user": map[string]any{
			"id":         u.ID,
			"email":      u.Email,
			"created_at": u.CreatedAt,
		},
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	u, err := s.store.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := s.store.CreateSession(r.Context(), u.Email, s.sessionTTL)
	if err != nil {
		s.writeError(w, err)
		return
	}
	jsonOK(w, map[string]any{
		"status":    "success",
		"token":     sess.Token,
		"expiresAt": sess.ExpiresAt,
		"user": map[string]string{
			"email": u.Email,
			"name":  u.Name(),
		},
	})
}

// handleCalculate persists the batch for a registered user and returns the
// engine's results for it.
func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	var req calculateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.Logs) < analytics.MinLogs {
		s.writeError(w, &analytics.InsufficientDataError{Got: len(req.Logs)})
		return
	}
	if s.cfg.StrictValidation {
		if err := analytics.ValidateBatch(req.Logs); err != nil {
			s.writeError(w, err)
			return
		}
	}

	email := req.Email
	if email == "" {
		if sess, err := s.store.LookupSession(r.Context(), bearerToken(r)); err == nil {
			email = sess.Email
		}
	}

	batchID, err := s.store.SaveBatch(r.Context(), email, req.Logs)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			err = &apiError{status: http.StatusUnauthorized, detail: msgUnregistered}
		}
		s.writeError(w, err)
		return
	}

	results, err := analytics.Compute(req.Logs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("batch analysed",
		zap.String("batch", batchID),
		zap.Int("days", len(req.Logs)),
		zap.String("risk", string(results.RiskLevel)),
	)
	jsonOK(w, results)
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req logsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	b, err := analytics.Explain(req.Logs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	jsonOK(w, b)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	logs, err := s.store.LatestBatch(r.Context(), sess.Email)
	if err != nil {
		s.writeError(w, err)
		return
	}
	results, err := analytics.Compute(logs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	jsonOK(w, map[string]any{"logs": logs, "results": results})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, badRequest("limit must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	sess := sessionFrom(r.Context())
	batches, err := s.store.ListBatches(r.Context(), sess.Email, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if batches == nil {
		batches = []journal.BatchSummary{}
	}
	jsonOK(w, map[string]any{"batches": batches})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil {
		s.writeError(w, &apiError{status: http.StatusServiceUnavailable, detail: msgNoAssistant})
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		s.writeError(w, insight.ErrEmptyQuestion)
		return
	}

	results := req.Results
	if results == nil {
		computed, err := analytics.Compute(req.Logs)
		if err != nil {
			s.writeError(w, err)
			return
		}
		results = &computed
	}

	// Anonymous questions are one-off so callers never see each other's turns.
	var sessionID string
	if sess, err := s.store.LookupSession(r.Context(), bearerToken(r)); err == nil {
		sessionID = sess.Email
	}

	answer, err := s.ask(r.Context(), insight.Request{
		Logs:      req.Logs,
		Results:   results,
		Question:  req.Question,
		SessionID: sessionID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	jsonOK(w, map[string]string{"answer": answer})
}

// ask wraps upstream failures as 502 so they are not mistaken for server bugs.
func (s *Server) ask(ctx context.Context, req insight.Request) (string, error) {
	start := time.Now()
	answer, err := s.assistant.Ask(ctx, req)
	if err != nil {
		if errors.Is(err, insight.ErrEmptyQuestion) {
			return "", err
		}
		s.logger.Warn("insight failed", zap.String("session", req.SessionID), zap.Error(err))
		return "", &apiError{status: http.StatusBadGateway, detail: msgUpstream}
	}
	s.logger.Debug("insight answered",
		zap.String("session", req.SessionID),
		zap.Duration("duration", time.Since(start)),
	)
	return answer, nil
}

// handleLinkTelegram issues a one-time code the user sends to the bot as
// /link <code> from the chat that should receive digests.
func (s *Server) handleLinkTelegram(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	lc, err := s.store.CreateLinkCode(r.Context(), sess.Email, linkCodeTTL)
	if err != nil {
		s.writeError(w, err)
		return
	}
	jsonOK(w, map[string]any{
		"code":      lc.Code,
		"expiresAt": lc.ExpiresAt,
		"command":   "/link " + lc.Code,
	})
}

func (s *Server) handleUnlinkTelegram(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	if err := s.store.LinkTelegram(r.Context(), sess.Email, 0); err != nil {
		s.writeError(w, err)
		return
	}
	jsonOK(w, map[string]string{"status": "unlinked"})
}

func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.store.LookupSession(r.Context(), bearerToken(r))
		if err != nil {
			if errors.Is(err, journal.ErrNotFound) {
				err = &apiError{status: http.StatusUnauthorized, detail: msgUnauthorized}
			}
			s.writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, sess)
		next(w, r.WithContext(ctx))
	}
}

func sessionFrom(ctx context.Context) journal.Session {
	sess, _ := ctx.Value(sessionKey{}).(journal.Session)
	return sess
}
