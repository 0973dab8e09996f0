// Package admin serves the host-only status and approval endpoint. It
// binds to loopback by default and is the single signal any dashboard or
// approval UI needs; nothing here is reachable from inside the sandbox.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orion-agent/aegis/internal/adapter/outbound/approval"
	"github.com/orion-agent/aegis/internal/service"
)

// defaultRecentEntries is served when /audit/recent has no n parameter.
const defaultRecentEntries = 50

// Handler exposes the orchestrator over HTTP.
type Handler struct {
	orch   *service.Orchestrator
	logger *slog.Logger
}

// NewHandler creates the admin handler around a running orchestrator.
func NewHandler(orch *service.Orchestrator, logger *slog.Logger) *Handler {
	return &Handler{orch: orch, logger: logger}
}

// Routes builds the admin mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.HandleFunc("GET /audit/recent", h.handleAuditRecent)
	mux.HandleFunc("GET /audit/stats", h.handleAuditStats)
	mux.HandleFunc("GET /approvals", h.handleApprovalList)
	mux.HandleFunc("POST /approvals/{id}/approve", h.handleApprovalRespond(true))
	mux.HandleFunc("POST /approvals/{id}/deny", h.handleApprovalRespond(false))
	mux.HandleFunc("POST /reload", h.handleReload)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.orch.Registry(), promhttp.HandlerOpts{}))
	return mux
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := h.orch.Status(r.Context())
	if st.Phase != service.PhaseRunning {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"phase":  st.Phase,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Status(r.Context()))
}

func (h *Handler) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	store := h.orch.AuditStore()
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "audit store not running")
		return
	}

	n := defaultRecentEntries
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = parsed
	}

	entries, err := store.ReadRecent(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	store := h.orch.AuditStore()
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "audit store not running")
		return
	}
	stats, err := store.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleApprovalList(w http.ResponseWriter, _ *http.Request) {
	queue := h.orch.ApprovalQueue()
	if queue == nil {
		writeError(w, http.StatusServiceUnavailable, "approval queue not running")
		return
	}
	pending := queue.ListPending()
	if pending == nil {
		pending = []approval.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func (h *Handler) handleApprovalRespond(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queue := h.orch.ApprovalQueue()
		if queue == nil {
			writeError(w, http.StatusServiceUnavailable, "approval queue not running")
			return
		}

		id := r.PathValue("id")
		err := queue.Respond(id, approve)
		switch {
		case errors.Is(err, approval.ErrNotFound):
			writeError(w, http.StatusNotFound, "approval request not found")
		case errors.Is(err, approval.ErrAlreadyDecided):
			writeError(w, http.StatusConflict, "approval request already decided")
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
		default:
			decision := approval.DecisionDenied
			if approve {
				decision = approval.DecisionApproved
			}
			h.logger.Info("approval decision recorded", "id", id, "decision", decision)
			writeJSON(w, http.StatusOK, map[string]any{"id": id, "decision": decision})
		}
	}
}

func (h *Handler) handleReload(w http.ResponseWriter, _ *http.Request) {
	h.orch.ReloadConfig()
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

// Server runs the admin endpoint on a loopback address.
type Server struct {
	httpSrv *http.Server
	logger  *slog.Logger
}

// NewServer wraps the handler in an HTTP server bound to addr.
func NewServer(addr string, handler *Handler, logger *slog.Logger) *Server {
	return &Server{
		httpSrv: &http.Server{
			Addr:              addr,
			Handler:           handler.Routes(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start serves in a background goroutine.
func (s *Server) Start() {
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin endpoint serve error", "error", err)
		}
	}()
	s.logger.Info("admin endpoint started", "addr", s.httpSrv.Addr)
}

// Stop shuts the endpoint down.
func (s *Server) Stop(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = s.httpSrv.Shutdown(ctx)
}
