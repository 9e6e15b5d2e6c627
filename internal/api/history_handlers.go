package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/avelieva/linksentry/internal/check"
	"github.com/avelieva/linksentry/internal/history"
)

const (
	defaultSessionLimit = 50
	maxSessionLimit     = 500
	defaultTrendDays    = 30
	maxTrendDays        = 365
	historyTimeout      = 3 * time.Second
)

// HistoryRepository is the slice of the history store the handlers need.
type HistoryRepository interface {
	ListSessions(ctx context.Context, limit int) ([]history.Session, error)
	GetSession(ctx context.Context, sessionID string) (history.Session, error)
	SessionResults(ctx context.Context, sessionID string) ([]check.Record, error)
	Trend(ctx context.Context, urlPattern string, days int) ([]history.TrendBucket, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// HistoryHandler exposes read and delete endpoints over stored sessions.
type HistoryHandler struct {
	repo    HistoryRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewHistoryHandler wires the repository and logger.
func NewHistoryHandler(repo HistoryRepository, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{
		repo:    repo,
		timeout: historyTimeout,
		logger:  logger,
	}
}

// ListSessions handles GET /api/history?limit=. It returns a JSON object
// {"sessions": [...]} on success, 400 for an invalid limit, 503 when the
// repository is unavailable, or 500 if the repository call fails.
func (h *HistoryHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "history repository unavailable")
		return
	}
	limit, err := parseLimit(r, defaultSessionLimit, maxSessionLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sessions, err := h.repo.ListSessions(ctx, limit)
	if err != nil {
		h.logger.Error("list sessions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []history.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// GetSession handles GET /api/history/{session_id}. It returns
// {"session": {...}} on success, 404 when the store reports
// history.ErrNotFound, or 500 otherwise.
func (h *HistoryHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "history repository unavailable")
		return
	}
	sessionID, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sess, err := h.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Error("get session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

// SessionResults handles GET /api/history/{session_id}/results. Unknown
// sessions yield an empty result list, not a 404.
func (h *HistoryHandler) SessionResults(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "history repository unavailable")
		return
	}
	sessionID, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	results, err := h.repo.SessionResults(ctx, sessionID)
	if err != nil {
		h.logger.Error("session results failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load session results")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// Trend handles GET /api/trend?pattern=&days=. It returns
// {"buckets": [...]} with per-day error totals.
func (h *HistoryHandler) Trend(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "history repository unavailable")
		return
	}
	pattern := strings.TrimSpace(r.URL.Query().Get("pattern"))
	days := defaultTrendDays
	if daysStr := r.URL.Query().Get("days"); daysStr != "" {
		val, err := strconv.Atoi(daysStr)
		if err != nil || val <= 0 {
			writeError(w, http.StatusBadRequest, "invalid days")
			return
		}
		if val > maxTrendDays {
			val = maxTrendDays
		}
		days = val
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	buckets, err := h.repo.Trend(ctx, pattern, days)
	if err != nil {
		h.logger.Error("trend query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute trend")
		return
	}
	if buckets == nil {
		buckets = []history.TrendBucket{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"buckets": buckets})
}

// DeleteSession handles DELETE /api/history/{session_id}. Deleting an
// unknown session succeeds.
func (h *HistoryHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "history repository unavailable")
		return
	}
	sessionID, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.repo.DeleteSession(ctx, sessionID); err != nil {
		h.logger.Error("delete session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "status": "deleted"})
}

func parseSessionID(r *http.Request) (string, error) {
	sessionID := chi.URLParam(r, "session_id")
	if sessionID == "" {
		return "", errors.New("session_id is required")
	}
	return sessionID, nil
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limit := def
	if limStr := r.URL.Query().Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	return limit, nil
}

func parseOffset(r *http.Request) (int, error) {
	offset := 0
	if offStr := r.URL.Query().Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, errors.New("invalid offset")
		}
		offset = val
	}
	return offset, nil
}
