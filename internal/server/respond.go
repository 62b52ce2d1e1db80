package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/stellarlinkco/lovecare/internal/analytics"
	"github.com/stellarlinkco/lovecare/internal/insight"
	"github.com/stellarlinkco/lovecare/internal/journal"
)

const maxBodyBytes = 1 << 20

// Error details returned to clients.
const (
	msgInsufficientData   = "Insufficient data"
	msgUnregistered       = "User not registered. Please register first."
	msgEmailTaken         = "Email already registered"
	msgInvalidCredentials = "Invalid credentials"
	msgUnauthorized       = "Not authenticated"
	msgNoAssistant        = "Insight assistant is not configured"
	msgUpstream           = "Insight assistant failed to answer"
)

// apiError carries an explicit status for errors raised inside handlers.
type apiError struct {
	status int
	detail string
}

func (e *apiError) Error() string { return e.detail }

func badRequest(format string, args ...any) error {
	return &apiError{status: http.StatusBadRequest, detail: fmt.Sprintf(format, args...)}
}

func jsonOK(w http.ResponseWriter, v any) {
	writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP statuses in one place.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, detail := http.StatusInternalServerError, "Internal server error"

	var (
		apiErr *apiError
		valErr *analytics.ValidationError
	)
	switch {
	case errors.As(err, &apiErr):
		status, detail = apiErr.status, apiErr.detail
	case errors.Is(err, analytics.ErrInsufficientData):
		status, detail = http.StatusBadRequest, msgInsufficientData
	case errors.As(err, &valErr):
		status, detail = http.StatusUnprocessableEntity, valErr.Error()
	case errors.Is(err, insight.ErrEmptyQuestion):
		status, detail = http.StatusBadRequest, "Question must not be empty"
	case errors.Is(err, journal.ErrEmailTaken):
		status, detail = http.StatusConflict, msgEmailTaken
	case errors.Is(err, journal.ErrInvalidCredentials):
		status, detail = http.StatusUnauthorized, msgInvalidCredentials
	case errors.Is(err, journal.ErrWeakPassword), errors.Is(err, journal.ErrInvalidEmail):
		status, detail = http.StatusBadRequest, err.Error()
	case errors.Is(err, journal.ErrNotFound):
		status, detail = http.StatusNotFound, "Not found"
	case errors.Is(err, context.DeadlineExceeded):
		status, detail = http.StatusGatewayTimeout, "Request timed out"
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("Request body is empty")
		}
		return badRequest("Invalid JSON body: %v", err)
	}
	return nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
