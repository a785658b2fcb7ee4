package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/rs/zerolog"
)

// Engine is the part of *relaysync.Engine the control surface drives.
type Engine interface {
	Enable(ctx context.Context, workspaceID, accountID string, intervalMinutes int, syncType relaysync.SyncType) (relaysync.SyncSchedule, error)
	Disable(ctx context.Context, workspaceID, accountID string) error
	TriggerNow(ctx context.Context, workspaceID, accountID string, syncType relaysync.SyncType) (relaysync.SyncOutcome, error)
	Status(ctx context.Context, workspaceID, accountID string, historyLimit int) (relaysync.ScheduleStatus, error)
	History(ctx context.Context, workspaceID string, limit int) ([]relaysync.SyncOutcome, error)
	BackendStatus() relaysync.BackendStatus
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// Streamer serves the websocket status stream. Without one the stream
	// route answers 503.
	Streamer             StatusStreamer
	StreamOriginPatterns []string
	Logger               zerolog.Logger
}

type Server struct {
	engine      Engine
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      zerolog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type enableRequest struct {
	IntervalMinutes int    `json:"intervalMinutes"`
	SyncType        string `json:"syncType"`
}

type triggerRequest struct {
	SyncType string `json:"syncType"`
}

type disableResponse struct {
	WorkspaceID string `json:"workspaceId"`
	AccountID   string `json:"accountId"`
	Enabled     bool   `json:"enabled"`
}

type historyResponse struct {
	WorkspaceID string                  `json:"workspaceId"`
	Items       []relaysync.SyncOutcome `json:"items"`
}

func NewServer(engine Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine Engine, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      engine,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      cfg.Logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/admin/backends" && r.Method == http.MethodGet {
		s.handleAdminBackends(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 5 || parts[0] != "v1" || parts[1] != "workspaces" || parts[3] != "sync" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	workspaceID := parts[2]
	if workspaceID == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	if len(parts) == 5 && parts[4] == "stream" && r.Method == http.MethodGet {
		s.handleStream(w, r, workspaceID)
		return
	}

	var requiredScope string
	var route string
	var accountID string
	switch {
	case len(parts) == 5 && parts[4] == "history" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "history"
	case len(parts) == 7 && parts[4] == "accounts" && parts[6] == "schedule" && r.Method == http.MethodPut:
		requiredScope = ScopeWrite
		route = "enable"
	case len(parts) == 7 && parts[4] == "accounts" && parts[6] == "schedule" && r.Method == http.MethodDelete:
		requiredScope = ScopeWrite
		route = "disable"
	case len(parts) == 7 && parts[4] == "accounts" && parts[6] == "trigger" && r.Method == http.MethodPost:
		requiredScope = ScopeTrigger
		route = "trigger"
	case len(parts) == 7 && parts[4] == "accounts" && parts[6] == "status" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "status"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	if len(parts) == 7 {
		accountID = parts[5]
		if accountID == "" {
			writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
			return
		}
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, workspaceID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if !s.allow(w, workspaceID, claims.AgentName, correlationID) {
		return
	}

	switch route {
	case "history":
		s.handleHistory(w, r, workspaceID, correlationID)
	case "enable":
		s.handleEnable(w, r, workspaceID, accountID, correlationID)
	case "disable":
		s.handleDisable(w, r, workspaceID, accountID, correlationID)
	case "trigger":
		s.handleTrigger(w, r, workspaceID, accountID, correlationID)
	case "status":
		s.handleStatus(w, r, workspaceID, accountID, correlationID)
	}
}

func (s *Server) allow(w http.ResponseWriter, workspaceID, agentName, correlationID string) bool {
	if s.rateLimiter == nil {
		return true
	}
	if s.rateLimiter.allow(workspaceID+"|"+agentName, time.Now().UTC()) {
		return true
	}
	retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
	return false
}

func (s *Server) handleAdminBackends(w http.ResponseWriter, r *http.Request) {
	_, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "", ScopeAdmin, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.BackendStatus())
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request, workspaceID, accountID, correlationID string) {
	var req enableRequest
	if !s.decodeJSONBody(w, r, correlationID, &req, true) {
		return
	}
	if req.IntervalMinutes < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "intervalMinutes must not be negative", correlationID)
		return
	}
	syncType, err := relaysync.ParseSyncType(req.SyncType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	schedule, err := s.engine.Enable(r.Context(), workspaceID, accountID, req.IntervalMinutes, syncType)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request, workspaceID, accountID, correlationID string) {
	if err := s.engine.Disable(r.Context(), workspaceID, accountID); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, disableResponse{WorkspaceID: workspaceID, AccountID: accountID, Enabled: false})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request, workspaceID, accountID, correlationID string) {
	var req triggerRequest
	if !s.decodeJSONBody(w, r, correlationID, &req, true) {
		return
	}
	var syncType relaysync.SyncType
	if strings.TrimSpace(req.SyncType) != "" {
		parsed, err := relaysync.ParseSyncType(req.SyncType)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		syncType = parsed
	}
	outcome, err := s.engine.TriggerNow(r.Context(), workspaceID, accountID, syncType)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, workspaceID, accountID, correlationID string) {
	limit, err := parseOptionalBoundedInt(r.URL.Query().Get("limit"), relaysync.DefaultHistoryLimit, 1, relaysync.MaxHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit query", correlationID)
		return
	}
	status, err := s.engine.Status(r.Context(), workspaceID, accountID, limit)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, workspaceID, correlationID string) {
	limit, err := parseOptionalBoundedInt(r.URL.Query().Get("limit"), relaysync.DefaultHistoryLimit, 1, relaysync.MaxHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit query", correlationID)
		return
	}
	items, err := s.engine.History(r.Context(), workspaceID, limit)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	if items == nil {
		items = []relaysync.SyncOutcome{}
	}
	writeJSON(w, http.StatusOK, historyResponse{WorkspaceID: workspaceID, Items: items})
}

// writeEngineError maps engine errors onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	var remoteErr *relaysync.RemoteUnavailableError
	switch {
	case errors.Is(err, relaysync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, relaysync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, relaysync.ErrInvalidState), errors.Is(err, relaysync.ErrCursorConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, relaysync.ErrConfiguration):
		writeError(w, http.StatusUnprocessableEntity, "configuration_error", err.Error(), correlationID)
	case errors.Is(err, relaysync.ErrRateLimited):
		if errors.As(err, &remoteErr) && remoteErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(remoteErr.RetryAfter.Seconds()))))
		}
		writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error(), correlationID)
	case errors.Is(err, relaysync.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	default:
		s.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

// decodeJSONBody decodes the request body into dst. With allowEmpty an
// absent body leaves dst untouched.
func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any, allowEmpty bool) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if allowEmpty && len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, errors.New("out of range")
	}
	return parsed, nil
}
