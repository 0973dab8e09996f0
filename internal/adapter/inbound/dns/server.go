package dns

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/cespare/xxhash/v2"

	"github.com/orion-agent/aegis/internal/domain/policy"
)

const (
	// upstreamTimeout bounds one UDP exchange with one upstream resolver.
	upstreamTimeout = 3 * time.Second
	// blockedSampleCap bounds the list of blocked names kept for the
	// status endpoint. The full set is tracked as hashes only.
	blockedSampleCap = 20
	// workerJoinTimeout bounds how long Stop waits for in-flight queries.
	workerJoinTimeout = 5 * time.Second
)

// Stats are the DNS filter counters exposed on the status endpoint.
type Stats struct {
	TotalQueries   int      `json:"total_queries"`
	AllowedQueries int      `json:"allowed_queries"`
	BlockedQueries int      `json:"blocked_queries"`
	FailedQueries  int      `json:"failed_queries"`
	UniqueDomains  int      `json:"unique_domains"`
	BlockedDomains int      `json:"blocked_domains_count"`
	TopBlocked     []string `json:"top_blocked"`
}

// statSet counts distinct names without retaining them: each name is
// folded to an xxhash and only the hash is kept, so a hostile flood of
// generated subdomains costs 8 bytes a name, not the name itself.
type statSet struct {
	hashes map[uint64]struct{}
}

func newStatSet() *statSet {
	return &statSet{hashes: make(map[uint64]struct{})}
}

// add inserts the name and reports whether it was new.
func (s *statSet) add(name string) bool {
	h := xxhash.Sum64String(name)
	if _, ok := s.hashes[h]; ok {
		return false
	}
	s.hashes[h] = struct{}{}
	return true
}

func (s *statSet) len() int { return len(s.hashes) }

// Filter is the UDP DNS filter server. Each query is handled by a
// short-lived worker so upstream latency never blocks the receive loop.
type Filter struct {
	provider  *policy.Provider
	host      string
	port      int
	upstreams []string
	logger    *slog.Logger

	mu      sync.Mutex
	conn    *net.UDPConn
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	statsMu   sync.Mutex
	total     int
	allowed   int
	blocked   int
	failed    int
	seen      *statSet
	blockSet  *statSet
	blockList []string
}

// NewFilter creates a DNS filter bound to host:port, forwarding allowed
// queries to the given upstream resolvers in order.
func NewFilter(provider *policy.Provider, host string, port int, upstreams []string, logger *slog.Logger) *Filter {
	return &Filter{
		provider:  provider,
		host:      host,
		port:      port,
		upstreams: upstreams,
		logger:    logger,
		seen:      newStatSet(),
		blockSet:  newStatSet(),
	}
}

// Start binds the UDP socket and launches the receive loop.
func (f *Filter) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return fmt.Errorf("dns filter already running")
	}

	addr := &net.UDPAddr{IP: net.ParseIP(f.host), Port: f.port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("bind dns filter on %s:%d: %w", f.host, f.port, err)
	}
	f.conn = conn
	f.running = true

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel

	f.wg.Add(1)
	go f.serve(ctx)

	f.logger.Info("dns filter started",
		"host", f.host, "port", f.port, "upstreams", f.upstreams)
	return nil
}

// Stop closes the socket and joins workers with a bounded wait.
func (f *Filter) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.cancel()
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(workerJoinTimeout):
		f.logger.Warn("dns filter workers did not drain in time")
	}

	f.logger.Info("dns filter stopped")
}

// Running reports whether the receive loop is active.
func (f *Filter) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Addr returns the bound UDP address, useful when port 0 was requested.
func (f *Filter) Addr() *net.UDPAddr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	return f.conn.LocalAddr().(*net.UDPAddr)
}

// serve receives queries and dispatches each to its own worker.
func (f *Filter) serve(ctx context.Context) {
	defer f.wg.Done()

	buf := make([]byte, maxPacket)
	for {
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn == nil {
			return
		}

		n, clientAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if f.Running() {
				f.logger.Error("dns filter read error", "error", err)
			}
			return
		}

		query := make([]byte, n)
		copy(query, buf[:n])

		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.handleQuery(conn, query, clientAddr)
		}()
	}
}

// handleQuery enforces the whitelist on one query.
func (f *Filter) handleQuery(conn *net.UDPConn, query []byte, client *net.UDPAddr) {
	if len(query) < headerSize {
		return
	}

	f.statsMu.Lock()
	f.total++
	f.statsMu.Unlock()

	name, err := questionName(query)
	if err != nil {
		f.logger.Debug("failed to parse dns query", "client", client.IP, "error", err)
		f.statsMu.Lock()
		f.failed++
		f.statsMu.Unlock()
		return
	}

	f.statsMu.Lock()
	f.seen.add(name)
	f.statsMu.Unlock()

	pol := f.provider.Current()
	if pol.Match(name) == nil {
		f.logger.Debug("dns blocked", "name", name, "client", client.IP)
		f.statsMu.Lock()
		f.blocked++
		if f.blockSet.add(name) && len(f.blockList) < blockedSampleCap {
			f.blockList = append(f.blockList, name)
		}
		f.statsMu.Unlock()

		if resp := nxdomainResponse(query); resp != nil {
			_, _ = conn.WriteToUDP(resp, client)
		}
		return
	}

	f.logger.Debug("dns allowed", "name", name, "client", client.IP)
	resp, err := f.forwardUpstream(query)
	if err != nil {
		f.logger.Warn("all upstream resolvers failed for allowed name",
			"name", name, "error", err)
		f.statsMu.Lock()
		f.failed++
		f.statsMu.Unlock()
		resp = servfailResponse(query)
	}

	f.statsMu.Lock()
	f.allowed++
	f.statsMu.Unlock()

	if resp != nil {
		_, _ = conn.WriteToUDP(resp, client)
	}
}

// forwardUpstream relays the query over UDP, trying each configured
// resolver in order until one answers.
func (f *Filter) forwardUpstream(query []byte) ([]byte, error) {
	if len(f.upstreams) == 0 {
		return nil, fmt.Errorf("no upstream resolvers configured")
	}

	attempt := 0
	var resp []byte
	err := retry.Do(
		func() error {
			upstream := f.upstreams[attempt%len(f.upstreams)]
			attempt++
			r, err := exchangeUDP(query, upstream)
			if err != nil {
				return err
			}
			resp = r
			return nil
		},
		retry.Attempts(uint(len(f.upstreams))),
		retry.Delay(0),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// exchangeUDP performs one bounded query/response round trip.
func exchangeUDP(query []byte, upstream string) ([]byte, error) {
	conn, err := net.DialTimeout("udp", net.JoinHostPort(upstream, "53"), upstreamTimeout)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(upstreamTimeout))
	if _, err := conn.Write(query); err != nil {
		return nil, err
	}

	buf := make([]byte, maxPacket)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Stats returns a snapshot of the filter counters.
func (f *Filter) Stats() Stats {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()

	top := make([]string, len(f.blockList))
	copy(top, f.blockList)
	return Stats{
		TotalQueries:   f.total,
		AllowedQueries: f.allowed,
		BlockedQueries: f.blocked,
		FailedQueries:  f.failed,
		UniqueDomains:  f.seen.len(),
		BlockedDomains: f.blockSet.len(),
		TopBlocked:     top,
	}
}
