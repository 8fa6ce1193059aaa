// Package gateway exposes the broker over a local HTTP API.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/NOVA-ALLRounder/main-sub001/internal/approval"
	"github.com/NOVA-ALLRounder/main-sub001/internal/broker"
	"github.com/NOVA-ALLRounder/main-sub001/internal/config"
	"github.com/NOVA-ALLRounder/main-sub001/internal/killswitch"
	"github.com/NOVA-ALLRounder/main-sub001/internal/policy"
	"github.com/NOVA-ALLRounder/main-sub001/internal/version"
)

const maxBodyBytes = 1 << 20

// Sessions is the part of the broker the gateway drives.
type Sessions interface {
	Submit(ctx context.Context, goal string) (string, error)
	Get(id string) (broker.Info, error)
	List() []broker.Info
	History(id string) ([]broker.Entry, error)
	Cancel(id string) error
}

// Deps are the components behind the endpoints. Nil components answer
// 503.
type Deps struct {
	Sessions   Sessions
	Approvals  *approval.Service
	Policy     *policy.Engine
	KillSwitch *killswitch.Switch
}

type Server struct {
	cfg        config.GatewayConfig
	deps       Deps
	httpServer *http.Server
}

func New(cfg config.GatewayConfig, deps Deps) *Server {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port <= 0 {
		port = 18790
	}

	cfg.Host = host
	cfg.Port = port
	return &Server{
		cfg:  cfg,
		deps: deps,
	}
}

func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           NewHandler(s.cfg.Token, s.deps),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("gateway listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type handler struct {
	token string
	deps  Deps
}

// NewHandler builds the routes. Everything except /health and /version
// requires the bearer token when one is configured.
func NewHandler(token string, deps Deps) http.Handler {
	h := &handler{token: strings.TrimSpace(token), deps: deps}
	mux := http.NewServeMux()

	mux.HandleFunc("/health", h.open(http.MethodGet, h.health))
	mux.HandleFunc("/version", h.open(http.MethodGet, h.version))

	mux.HandleFunc("POST /sessions", h.secured(h.createSession))
	mux.HandleFunc("GET /sessions", h.secured(h.listSessions))
	mux.HandleFunc("GET /sessions/{id}", h.secured(h.getSession))
	mux.HandleFunc("GET /sessions/{id}/history", h.secured(h.sessionHistory))
	mux.HandleFunc("DELETE /sessions/{id}", h.secured(h.cancelSession))

	mux.HandleFunc("GET /approvals", h.secured(h.listApprovals))
	mux.HandleFunc("POST /approvals/{id}", h.secured(h.resolveApproval))

	mux.HandleFunc("GET /policy", h.secured(h.policyState))
	mux.HandleFunc("POST /policy/lock", h.secured(h.setLock(true)))
	mux.HandleFunc("POST /policy/unlock", h.secured(h.setLock(false)))

	mux.HandleFunc("POST /killswitch", h.secured(h.engageKillSwitch))
	return mux
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, requestID string)

func (h *handler) open(method string, fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := getRequestID(r)
		if r.Method != method {
			writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		fn(w, r, requestID)
	}
}

func (h *handler) secured(fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := getRequestID(r)
		if h.token != "" && !isAuthorized(r, h.token) {
			writeError(w, requestID, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		fn(w, r, requestID)
	}
}

func (h *handler) health(w http.ResponseWriter, r *http.Request, requestID string) {
	body := map[string]any{
		"status":     "ok",
		"request_id": requestID,
	}
	if h.deps.KillSwitch != nil && h.deps.KillSwitch.Engaged() {
		body["status"] = "halted"
		body["kill_switch"] = h.deps.KillSwitch.Reason()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handler) version(w http.ResponseWriter, r *http.Request, requestID string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    version.Version,
		"request_id": requestID,
	})
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request, requestID string) {
	if !h.ready(w, requestID, h.deps.Sessions != nil) {
		return
	}
	var req struct {
		Goal string `json:"goal"`
	}
	if !decodeBody(w, r, requestID, &req) {
		return
	}
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "goal is required")
		return
	}
	id, err := h.deps.Sessions.Submit(r.Context(), goal)
	if err != nil {
		h.fail(w, requestID, "submit session", err)
		return
	}
	info, err := h.deps.Sessions.Get(id)
	if err != nil {
		h.fail(w, requestID, "get session", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session":    info,
		"request_id": requestID,
	})
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request, requestID string) {
	if !h.ready(w, requestID, h.deps.Sessions != nil) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":   h.deps.Sessions.List(),
		"request_id": requestID,
	})
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request, requestID string) {
	if !h.ready(w, requestID, h.deps.Sessions != nil) {
		return
	}
	info, err := h.deps.Sessions.Get(r.PathValue("id"))
	if err != nil {
		h.fail(w, requestID, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":    info,
		"request_id": requestID,
	})
}

func (h *handler) sessionHistory(w http.ResponseWriter, r *http.Request, requestID string) {
	if !h.ready(w, requestID, h.deps.Sessions != nil) {
		return
	}
	history, err := h.deps.Sessions.History(r.PathValue("id"))
	if err != nil {
		h.fail(w, requestID, "session history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"history":    history,
		"request_id": requestID,
	})
}

func (h *handler) cancelSession(w http.ResponseWriter, r *http.Request, requestID string) {
	if !h.ready(w, requestID, h.deps.Sessions != nil) {
		return
	}
	id := r.PathValue("id")
	if err := h.deps.Sessions.Cancel(id); err != nil {
		h.fail(w, requestID, "cancel session", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":         id,
		"status":     "cancelling",
		"request_id": requestID,
	})
}

func (h *handler) listApprovals(w http.ResponseWriter, r *http.Request, requestID string) {
	if !h.ready(w, requestID, h.deps.Approvals != nil) {
		return
	}
	q := r.URL.Query()
	status := approval.RequestStatus(strings.TrimSpace(q.Get("status")))
	if status == "" {
		status = approval.StatusPending
	} else if status == "all" {
		status = ""
	}
	requests, err := h.deps.Approvals.List(approval.Query{
		Status:    status,
		SessionID: strings.TrimSpace(q.Get("session")),
	})
	if err != nil {
		h.fail(w, requestID, "list approvals", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approvals":  requests,
		"request_id": requestID,
	})
}

func (h *handler) resolveApproval(w http.ResponseWriter, r *http.Request, requestID string) {
	if !h.ready(w, requestID, h.deps.Approvals != nil) {
		return
	}
	var req struct {
		Decision    string `json:"decision"`
		Scope       string `json:"scope"`
		By          string `json:"by"`
		Note        string `json:"note"`
		RememberFor string `json:"remember_for"`
	}
	if !decodeBody(w, r, requestID, &req) {
		return
	}
	decision, ok := approval.ParseDecision(strings.ToLower(strings.TrimSpace(req.Decision)))
	if !ok {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "decision must be allow_once, allow_always or deny")
		return
	}
	scope := approval.Scope(strings.TrimSpace(req.Scope))
	if scope != "" && scope != approval.ScopeGlobal && scope != approval.ScopeSession {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "scope must be global or session")
		return
	}
	var rememberFor time.Duration
	if s := strings.TrimSpace(req.RememberFor); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeError(w, requestID, http.StatusBadRequest, "bad_request", "remember_for must be a positive duration")
			return
		}
		rememberFor = d
	}
	by := strings.TrimSpace(req.By)
	if by == "" {
		by = "gateway"
	}

	resolved, _, err := h.deps.Approvals.Resolve(r.PathValue("id"), approval.DecisionInput{
		Decision:    decision,
		Scope:       scope,
		DecidedBy:   by,
		Note:        req.Note,
		RememberFor: rememberFor,
	})
	if err != nil {
		h.fail(w, requestID, "resolve approval", err)
		return
	}
	slog.Info("approval resolved via gateway", "request_id", requestID, "approval_id", resolved.ID, "decision", string(decision), "by", by)
	writeJSON(w, http.StatusOK, map[string]any{
		"approval":   resolved,
		"request_id": requestID,
	})
}

func (h *handler) policyState(w http.ResponseWriter, r *http.Request, requestID string) {
	if !h.ready(w, requestID, h.deps.Policy != nil) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"policy":     h.deps.Policy.State(),
		"request_id": requestID,
	})
}

func (h *handler) setLock(locked bool) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request, requestID string) {
		if !h.ready(w, requestID, h.deps.Policy != nil) {
			return
		}
		if locked {
			h.deps.Policy.Lock()
		} else {
			h.deps.Policy.Unlock()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"write_lock": h.deps.Policy.Locked(),
			"request_id": requestID,
		})
	}
}

func (h *handler) engageKillSwitch(w http.ResponseWriter, r *http.Request, requestID string) {
	if !h.ready(w, requestID, h.deps.KillSwitch != nil) {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, requestID, &req) {
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "gateway"
	}
	first := h.deps.KillSwitch.Engage(reason)
	writeJSON(w, http.StatusOK, map[string]any{
		"engaged":    true,
		"reason":     h.deps.KillSwitch.Reason(),
		"first":      first,
		"request_id": requestID,
	})
}

func (h *handler) ready(w http.ResponseWriter, requestID string, ok bool) bool {
	if !ok {
		writeError(w, requestID, http.StatusServiceUnavailable, "unavailable", "component is not configured")
	}
	return ok
}

func (h *handler) fail(w http.ResponseWriter, requestID, op string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("gateway request failed", "request_id", requestID, "op", op, "error", err)
	}
	writeError(w, requestID, status, code, err.Error())
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, broker.ErrNotFound), errors.Is(err, approval.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, broker.ErrTooManySessions):
		return http.StatusTooManyRequests, "too_many_sessions"
	case errors.Is(err, broker.ErrKillSwitchEngaged):
		return http.StatusConflict, "kill_switch_engaged"
	case errors.Is(err, approval.ErrNotPending), errors.Is(err, approval.ErrExpired):
		return http.StatusConflict, "conflict"
	case errors.Is(err, broker.ErrShutdown):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, requestID string, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "invalid json request")
		return false
	}
	return true
}

func isAuthorized(r *http.Request, expected string) bool {
	got := strings.TrimSpace(r.Header.Get("Authorization"))
	if got == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(got, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(got, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

func getRequestID(r *http.Request) string {
	rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
	if rid != "" {
		return rid
	}
	return uuid.NewString()
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":       code,
		"message":    message,
		"request_id": requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
