// Package proxy implements the egress proxy -- the narrow door. It is an
// HTTP/1.1 forward proxy on the host side: plain HTTP requests are
// policy-checked, inspected, and forwarded; HTTPS is tunneled via CONNECT
// after the domain check, never decrypted. Every terminal decision writes
// exactly one audit entry, and a request whose audit entry cannot be
// written is refused.
package proxy

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domainaudit "github.com/orion-agent/aegis/internal/domain/audit"
	"github.com/orion-agent/aegis/internal/domain/inspect"
	"github.com/orion-agent/aegis/internal/domain/policy"
	"github.com/orion-agent/aegis/internal/domain/ratelimit"
)

// upstreamTimeout bounds connect and read phases of one forwarded request.
const upstreamTimeout = 30 * time.Second

// hopByHopHeaders are stripped from both legs of a forwarded request.
// They are transport-level and must not cross the proxy.
var hopByHopHeaders = []string{
	"Proxy-Authorization",
	"Proxy-Connection",
	"Connection",
	"Keep-Alive",
	"Host",
	"Transfer-Encoding",
}

// responseStripHeaders are removed from upstream responses before they
// are copied back to the client.
var responseStripHeaders = []string{
	"Transfer-Encoding",
	"Connection",
	"Keep-Alive",
}

// AuditSink is the slice of the audit store the proxy needs.
type AuditSink interface {
	Append(domainaudit.Entry) error
}

// Handler enforces the egress policy on forward-proxy requests.
type Handler struct {
	provider *policy.Provider
	limiter  atomic.Pointer[ratelimit.Limiter]
	sink     AuditSink
	metrics  *Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	client   *http.Client
	tunnels  *connTracker
}

// NewHandler builds the proxy handler around the given policy provider,
// rate limiter, and audit sink.
func NewHandler(provider *policy.Provider, limiter *ratelimit.Limiter, sink AuditSink, metrics *Metrics, logger *slog.Logger) *Handler {
	h := &Handler{
		provider: provider,
		sink:     sink,
		metrics:  metrics,
		logger:   logger,
		tracer:   otel.Tracer("aegis/proxy"),
		tunnels:  newConnTracker(),
		client: &http.Client{
			Timeout: upstreamTimeout,
			// Redirects belong to the client, not the proxy.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	h.limiter.Store(limiter)
	return h
}

// SetLimiter swaps the rate limiter, used when a reload changes the
// global limit. Windows restart empty, matching a fresh boot.
func (h *Handler) SetLimiter(l *ratelimit.Limiter) {
	h.limiter.Store(l)
}

// Limiter returns the active rate limiter.
func (h *Handler) Limiter() *ratelimit.Limiter {
	return h.limiter.Load()
}

// ServeHTTP routes CONNECT to the tunnel path and everything else through
// the HTTP enforcement pipeline.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		h.handleConnect(w, r)
		return
	}
	h.handleHTTP(w, r)
}

// handleHTTP runs the full gate sequence on a plain HTTP request:
// domain -> protocol -> method -> rate -> body -> inspection -> forward.
func (h *Handler) handleHTTP(w http.ResponseWriter, r *http.Request) {
	pol := h.provider.Current()
	hostname := strings.ToLower(r.URL.Hostname())
	clientIP := clientAddr(r)
	scheme := r.URL.Scheme
	if scheme == "" {
		scheme = "http"
	}
	port := urlPort(r.URL.Port(), scheme)
	url := r.URL.String()
	method := r.Method

	if hostname == "" {
		// Not an absolute-URI forward-proxy request.
		http.Error(w, "AEGIS Egress Proxy: absolute URI required", http.StatusBadRequest)
		return
	}

	// --- 1. Domain whitelist ---
	rule := pol.Match(hostname)
	auditOnly := false
	if rule == nil {
		e := domainaudit.Blocked(method, url, hostname, port, scheme, "Domain not whitelisted")
		e.ClientIP = clientIP
		if pol.Enforce {
			h.deny(w, r, e, http.StatusForbidden,
				fmt.Sprintf("Blocked: %s is not whitelisted", hostname), outcomeBlocked)
			return
		}
		// Log-only posture: record the decision, warn, and continue.
		auditOnly = true
		if !h.audit(w, e, method) {
			return
		}
		h.logger.Warn("AUDIT-ONLY: request to non-whitelisted domain",
			"method", method, "hostname", hostname)
		w.Header().Set("X-Aegis-Warn", "domain not whitelisted")
	}

	// --- 2. Protocol ---
	if rule != nil && !rule.AllowsProtocol(scheme) {
		e := domainaudit.Blocked(method, url, hostname, port, scheme,
			fmt.Sprintf("Protocol %s not allowed", scheme))
		e.ClientIP = clientIP
		h.deny(w, r, e, http.StatusForbidden,
			fmt.Sprintf("Blocked: %s not allowed for %s", scheme, hostname), outcomeBlocked)
		return
	}

	// --- 3. Write method on read-only domains ---
	if policy.IsWriteMethod(method) && rule != nil && !rule.AllowWrite {
		e := domainaudit.Blocked(method, url, hostname, port, scheme,
			"Write operations not allowed (read-only domain)")
		e.ClientIP = clientIP
		h.deny(w, r, e, http.StatusForbidden,
			fmt.Sprintf("Blocked: %s is read-only (GET only)", hostname), outcomeBlocked)
		return
	}

	// --- 4. Rate limit ---
	domainLimit := policy.DefaultRateLimitRPM
	if rule != nil {
		domainLimit = rule.RateLimitRPM
	}
	if res := h.Limiter().Check(hostname, domainLimit); !res.Allowed {
		e := domainaudit.RateLimited(method, url, hostname, port, scheme, res.Reason)
		e.ClientIP = clientIP
		h.deny(w, r, e, http.StatusTooManyRequests,
			"Rate limited: "+res.Reason, outcomeRateLimited)
		return
	}

	// --- 5. Body read and content inspection ---
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "AEGIS Egress Proxy: failed to read request body", http.StatusBadRequest)
		return
	}

	if len(body) > 0 && pol.ContentInspection {
		inspector := inspect.New(pol.MaxBodySize)
		if res := inspector.Inspect(body, hostname, method); res.Blocked() {
			h.metrics.InspectionBlocks.Inc()
			e := domainaudit.CredentialLeak(method, url, hostname, port, scheme, res.PatternsFound)
			e.ClientIP = clientIP
			h.deny(w, r, e, http.StatusForbidden,
				fmt.Sprintf("Blocked: credential pattern detected in outbound payload (%s)",
					strings.Join(res.PatternsFound, ", ")), outcomeCredentialLeak)
			return
		}
	}

	// --- 6. Forward ---
	ruleName := domainaudit.RuleAuditOnly
	if rule != nil {
		ruleName = rule.Domain
	}
	h.forward(w, r, forwardContext{
		pol:       pol,
		url:       url,
		hostname:  hostname,
		port:      port,
		scheme:    scheme,
		clientIP:  clientIP,
		ruleName:  ruleName,
		body:      body,
		auditOnly: auditOnly,
	})
}

// forwardContext carries the per-request decision state into forward.
type forwardContext struct {
	pol       *policy.Policy
	url       string
	hostname  string
	port      int
	scheme    string
	clientIP  string
	ruleName  string
	body      []byte
	auditOnly bool
}

// forward relays the request upstream and copies the response back.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, fc forwardContext) {
	ctx, span := h.tracer.Start(r.Context(), "proxy.forward",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("net.peer.name", fc.hostname),
		))
	defer span.End()

	start := time.Now()

	outReq, err := http.NewRequestWithContext(ctx, r.Method, fc.url, strings.NewReader(string(fc.body)))
	if err != nil {
		span.SetStatus(codes.Error, "build request")
		h.upstreamError(w, r, fc, "failed to build upstream request")
		return
	}

	for key, values := range r.Header {
		for _, v := range values {
			outReq.Header.Add(key, v)
		}
	}
	for _, hdr := range hopByHopHeaders {
		outReq.Header.Del(hdr)
	}

	resp, err := h.client.Do(outReq)
	if err != nil {
		span.SetStatus(codes.Error, "upstream unreachable")
		h.logger.Error("upstream request failed",
			"method", r.Method, "url", fc.url, "error", err)
		h.upstreamError(w, r, fc, fmt.Sprintf("Upstream error: %v", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.SetStatus(codes.Error, "upstream body read")
		h.logger.Error("upstream body read failed",
			"method", r.Method, "url", fc.url, "error", err)
		h.upstreamError(w, r, fc, fmt.Sprintf("Upstream error: %v", err))
		return
	}

	durationMS := float64(time.Since(start)) / float64(time.Millisecond)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	// Audit before replying: a request that cannot be recorded is refused.
	e := domainaudit.Allowed(r.Method, fc.url, fc.hostname, fc.port, fc.scheme, fc.ruleName)
	e.ClientIP = fc.clientIP
	e.StatusCode = resp.StatusCode
	e.RequestSize = int64(len(fc.body))
	e.ResponseSize = int64(len(respBody))
	e.DurationMS = durationMS
	if !h.audit(w, e, r.Method) {
		return
	}

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	for _, hdr := range responseStripHeaders {
		w.Header().Del(hdr)
	}
	if fc.auditOnly {
		w.Header().Set("X-Aegis-Warn", "domain not whitelisted")
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(respBody); err != nil {
		h.logger.Debug("error writing response to client", "error", err)
	}

	h.metrics.RequestsTotal.WithLabelValues(r.Method, outcomeAllowed).Inc()
	h.metrics.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
}

// upstreamError answers 502 and records an error entry.
func (h *Handler) upstreamError(w http.ResponseWriter, r *http.Request, fc forwardContext, reason string) {
	e := domainaudit.Failure(r.Method, fc.url, fc.hostname, fc.port, fc.scheme, reason)
	e.ClientIP = fc.clientIP
	if !h.audit(w, e, r.Method) {
		return
	}
	h.metrics.RequestsTotal.WithLabelValues(r.Method, outcomeError).Inc()
	writeBlockResponse(w, http.StatusBadGateway, reason)
}

// deny records the audit entry and answers with the block response.
// The audit write happens first: if it fails, the client sees 503 and the
// original status is never sent.
func (h *Handler) deny(w http.ResponseWriter, r *http.Request, e domainaudit.Entry, status int, message, outcome string) {
	if !h.audit(w, e, r.Method) {
		return
	}
	h.metrics.RequestsTotal.WithLabelValues(r.Method, outcome).Inc()
	h.logger.Info("egress request denied",
		"method", e.Method, "hostname", e.Hostname, "reason", e.BlockedReason, "status", status)
	writeBlockResponse(w, status, message)
}

// audit appends the entry, converting a write failure into a 503 for the
// client. Returns false when the caller must stop processing.
func (h *Handler) audit(w http.ResponseWriter, e domainaudit.Entry, method string) bool {
	if err := h.sink.Append(e); err != nil {
		h.metrics.AuditFailures.Inc()
		h.metrics.RequestsTotal.WithLabelValues(method, outcomeError).Inc()
		h.logger.Error("audit write failed, refusing request", "error", err)
		writeBlockResponse(w, http.StatusServiceUnavailable, "audit log unavailable")
		return false
	}
	return true
}

// writeBlockResponse sends the AEGIS error body with the block marker
// header.
func writeBlockResponse(w http.ResponseWriter, status int, message string) {
	body := fmt.Sprintf("AEGIS Egress Proxy: %s\n", message)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("X-Aegis-Blocked", "true")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// clientAddr extracts the client IP from the request.
func clientAddr(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// urlPort resolves the effective port for a request URL.
func urlPort(portStr, scheme string) int {
	if portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			return p
		}
	}
	if scheme == "https" {
		return 443
	}
	return 80
}
