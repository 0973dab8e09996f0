package proxy

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	domainaudit "github.com/orion-agent/aegis/internal/domain/audit"
	"github.com/orion-agent/aegis/internal/domain/policy"
)

const (
	// tunnelIdleTimeout closes a CONNECT tunnel after this long without
	// traffic in either direction.
	tunnelIdleTimeout = 60 * time.Second
	// tunnelBufSize is the relay copy buffer.
	tunnelBufSize = 64 * 1024
)

// handleConnect enforces the domain, protocol, and rate gates on a
// CONNECT request, then relays bytes until either side closes or the
// tunnel idles out. HTTPS is never decrypted: the only enforcement point
// is the CONNECT target line.
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	pol := h.provider.Current()
	hostname, port, ok := parseConnectTarget(r.Host)
	if !ok {
		writeBlockResponse(w, http.StatusBadRequest, "bad CONNECT target")
		return
	}
	clientIP := clientAddr(r)
	target := net.JoinHostPort(hostname, strconv.Itoa(port))

	// --- Domain whitelist ---
	rule := pol.Match(hostname)
	if rule == nil {
		e := domainaudit.Blocked(http.MethodConnect, target, hostname, port, "https", "Domain not whitelisted")
		e.ClientIP = clientIP
		if pol.Enforce {
			h.deny(w, r, e, http.StatusForbidden,
				fmt.Sprintf("Blocked: %s is not whitelisted", hostname), outcomeBlocked)
			return
		}
		if !h.audit(w, e, http.MethodConnect) {
			return
		}
		h.logger.Warn("AUDIT-ONLY: CONNECT to non-whitelisted domain",
			"hostname", hostname, "port", port)
	}

	// --- Protocol ---
	if rule != nil && !rule.AllowsProtocol("https") {
		e := domainaudit.Blocked(http.MethodConnect, target, hostname, port, "https",
			"HTTPS not allowed for domain")
		e.ClientIP = clientIP
		h.deny(w, r, e, http.StatusForbidden,
			fmt.Sprintf("Blocked: HTTPS not allowed for %s", hostname), outcomeBlocked)
		return
	}

	// --- Rate limit ---
	domainLimit := policy.DefaultRateLimitRPM
	if rule != nil {
		domainLimit = rule.RateLimitRPM
	}
	if res := h.Limiter().Check(hostname, domainLimit); !res.Allowed {
		e := domainaudit.RateLimited(http.MethodConnect, target, hostname, port, "https", res.Reason)
		e.ClientIP = clientIP
		h.deny(w, r, e, http.StatusTooManyRequests, "Rate limited: "+res.Reason, outcomeRateLimited)
		return
	}

	// --- Open upstream ---
	upstream, err := net.DialTimeout("tcp", target, upstreamTimeout)
	if err != nil {
		h.logger.Error("CONNECT upstream dial failed", "target", target, "error", err)
		e := domainaudit.Failure(http.MethodConnect, target, hostname, port, "https",
			fmt.Sprintf("Cannot reach %s", target))
		e.ClientIP = clientIP
		if !h.audit(w, e, http.MethodConnect) {
			return
		}
		h.metrics.RequestsTotal.WithLabelValues(http.MethodConnect, outcomeError).Inc()
		writeBlockResponse(w, http.StatusBadGateway, fmt.Sprintf("Cannot reach %s", target))
		return
	}

	// Audit the tunnel before any byte crosses it.
	ruleName := domainaudit.RuleAuditOnly
	if rule != nil {
		ruleName = rule.Domain
	}
	e := domainaudit.Allowed(http.MethodConnect, target, hostname, port, "https", ruleName)
	e.ClientIP = clientIP
	e.StatusCode = http.StatusOK
	if !h.audit(w, e, http.MethodConnect) {
		_ = upstream.Close()
		return
	}

	// --- Hijack and relay ---
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		h.logger.Error("response writer does not support hijacking")
		_ = upstream.Close()
		writeBlockResponse(w, http.StatusInternalServerError, "hijack not supported")
		return
	}
	client, _, err := hijacker.Hijack()
	if err != nil {
		h.logger.Error("hijack failed", "error", err)
		_ = upstream.Close()
		return
	}

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		_ = client.Close()
		_ = upstream.Close()
		return
	}

	h.metrics.RequestsTotal.WithLabelValues(http.MethodConnect, outcomeAllowed).Inc()
	h.metrics.TunnelsActive.Inc()
	defer h.metrics.TunnelsActive.Dec()

	h.tunnels.track(client, upstream)
	defer h.tunnels.untrack(client, upstream)

	h.relay(client, upstream)
}

// relay copies bytes in both directions until one side closes or a
// direction idles past tunnelIdleTimeout.
func (h *Handler) relay(client, upstream net.Conn) {
	var g errgroup.Group
	g.Go(func() error { return h.copyHalf(upstream, client) })
	g.Go(func() error { return h.copyHalf(client, upstream) })
	_ = g.Wait()

	_ = client.Close()
	_ = upstream.Close()
}

// copyHalf relays one direction, bumping the read deadline before every
// read so an idle tunnel times out rather than pinning a worker forever.
func (h *Handler) copyHalf(dst, src net.Conn) error {
	buf := make([]byte, tunnelBufSize)
	for {
		_ = src.SetReadDeadline(time.Now().Add(tunnelIdleTimeout))
		n, err := src.Read(buf)
		if n > 0 {
			h.metrics.TunnelBytes.Add(float64(n))
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			// Half-close so the peer direction can drain before teardown.
			if tc, ok := dst.(*net.TCPConn); ok {
				_ = tc.CloseWrite()
			}
			return err
		}
	}
}

// parseConnectTarget splits "host:port" from a CONNECT line, defaulting
// to 443 when no port is present.
func parseConnectTarget(hostPort string) (string, int, bool) {
	if hostPort == "" {
		return "", 0, false
	}
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		// No port in the target.
		return strings.ToLower(hostPort), 443, true
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, false
	}
	return strings.ToLower(host), port, true
}

// connTracker remembers open tunnel sockets so a server shutdown can cut
// in-flight relays instead of waiting out their idle timers.
type connTracker struct {
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func newConnTracker() *connTracker {
	return &connTracker{conns: make(map[net.Conn]struct{})}
}

func (t *connTracker) track(conns ...net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range conns {
		t.conns[c] = struct{}{}
	}
}

func (t *connTracker) untrack(conns ...net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range conns {
		delete(t.conns, c)
	}
}

// closeAll force-closes every tracked connection.
func (t *connTracker) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for c := range t.conns {
		_ = c.Close()
	}
	t.conns = make(map[net.Conn]struct{})
}
