// Package service contains the sandbox orchestrator: the governed boot
// sequence that brings the enforcement plane up before the agent
// container starts, tears it down in reverse, and health-monitors the
// container while running.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	dnsfilter "github.com/orion-agent/aegis/internal/adapter/inbound/dns"
	"github.com/orion-agent/aegis/internal/adapter/inbound/proxy"
	"github.com/orion-agent/aegis/internal/adapter/outbound/approval"
	auditfile "github.com/orion-agent/aegis/internal/adapter/outbound/audit"
	"github.com/orion-agent/aegis/internal/config"
	"github.com/orion-agent/aegis/internal/domain/policy"
	"github.com/orion-agent/aegis/internal/domain/ratelimit"
)

// Phase is one stage of the governed boot state machine.
type Phase string

const (
	PhaseNotStarted      Phase = "not_started"
	PhasePolicyLoad      Phase = "policy_load"
	PhaseImageVerify     Phase = "image_verify"
	PhaseEgressProxy     Phase = "egress_proxy"
	PhaseApprovalQueue   Phase = "approval_queue"
	PhaseDNSFilter       Phase = "dns_filter"
	PhaseContainerLaunch Phase = "container_launch"
	PhaseRunning         Phase = "running"
	PhaseShuttingDown    Phase = "shutting_down"
	PhaseStopped         Phase = "stopped"
	PhaseFailed          Phase = "failed"
)

// ShutdownReason records why teardown ran.
type ShutdownReason string

const (
	ReasonUserRequested ShutdownReason = "user_requested"
	ReasonBootFailure   ShutdownReason = "boot_failure"
	ReasonContainerDied ShutdownReason = "container_died"
)

// bootLogCap bounds the in-memory boot log ring.
const bootLogCap = 100

// statusBootLogTail is how many boot log lines Status exposes.
const statusBootLogTail = 20

// ContainerRuntime is the slice of the container adapter the
// orchestrator needs. Satisfied by container.Runtime; faked in tests.
type ContainerRuntime interface {
	Available(ctx context.Context) bool
	Version(ctx context.Context) (string, error)
	VerifyManifest() error
	Build(ctx context.Context) error
	Up(ctx context.Context, env map[string]string, services ...string) error
	Down(ctx context.Context) error
	Running(ctx context.Context, service string) bool
	Healthy(ctx context.Context, service string) bool
	WaitHealthy(ctx context.Context, service string, budget time.Duration) error
}

// Options configures the orchestrator.
type Options struct {
	// ConfigPath is the egress config file (empty = default location).
	ConfigPath string
	// ProxyPort overrides the configured egress proxy port when nonzero.
	// -1 requests an ephemeral port.
	ProxyPort int
	// DNSPort overrides the configured DNS filter port when nonzero.
	// -1 requests an ephemeral port.
	DNSPort int
	// AuditLogPath overrides the configured audit log path when set.
	AuditLogPath string
	// ApprovalQueuePath overrides the default queue location when set.
	ApprovalQueuePath string
	// HMACKey signs audit entries. Required.
	HMACKey []byte
	// Runtime drives the container stack. Required.
	Runtime ContainerRuntime
	// Services are the compose services to launch (first one is
	// health-checked).
	Services []string
	// HealthInterval is the monitor period while running.
	HealthInterval time.Duration
	// HealthBudget bounds the post-launch health wait.
	HealthBudget time.Duration
	// Registry receives the proxy metrics. A fresh registry is created
	// when nil.
	Registry *prometheus.Registry
}

// Orchestrator owns the enforcement plane's lifecycle. All components
// are brought up in a fixed order with the container last, so
// enforcement exists before the agent can emit a single byte.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger

	store    *config.Store
	provider *policy.Provider
	registry *prometheus.Registry

	mu        sync.Mutex
	phase     Phase
	lastErr   string
	bootLog   []string
	startedAt time.Time
	running   bool

	auditStore   *auditfile.FileStore
	proxyHandler *proxy.Handler
	proxySrv     *proxy.Server
	dnsFilter    *dnsfilter.Filter
	queue        *approval.Queue
	launched     bool

	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// NewOrchestrator creates an orchestrator; nothing starts until Start.
func NewOrchestrator(opts Options, logger *slog.Logger) (*Orchestrator, error) {
	if len(opts.HMACKey) == 0 {
		return nil, fmt.Errorf("orchestrator requires an HMAC key for the audit log")
	}
	if opts.Runtime == nil {
		return nil, fmt.Errorf("orchestrator requires a container runtime")
	}
	if len(opts.Services) == 0 {
		opts.Services = []string{"api", "web"}
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 30 * time.Second
	}
	if opts.HealthBudget <= 0 {
		opts.HealthBudget = 60 * time.Second
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	return &Orchestrator{
		opts:     opts,
		logger:   logger,
		store:    config.NewStore(opts.ConfigPath, logger),
		registry: registry,
		phase:    PhaseNotStarted,
	}, nil
}

// Start runs the governed boot sequence. On any step's failure the
// already-started components are torn down in reverse and the error is
// returned with the phase left at failed.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		o.log("already running, ignoring duplicate start")
		return nil
	}
	o.startedAt = time.Now()
	o.lastErr = ""
	o.bootLog = nil
	o.mu.Unlock()

	steps := []struct {
		phase Phase
		run   func(context.Context) error
	}{
		{PhasePolicyLoad, o.bootPolicyLoad},
		{PhaseImageVerify, o.bootImageVerify},
		{PhaseEgressProxy, o.bootEgressProxy},
		{PhaseApprovalQueue, o.bootApprovalQueue},
		{PhaseDNSFilter, o.bootDNSFilter},
		{PhaseContainerLaunch, o.bootContainerLaunch},
	}

	for i, step := range steps {
		o.setPhase(step.phase)
		o.log(fmt.Sprintf("Step %d/%d: %s...", i+1, len(steps), step.phase))
		if err := step.run(ctx); err != nil {
			o.mu.Lock()
			o.lastErr = err.Error()
			o.mu.Unlock()
			o.log(fmt.Sprintf("BOOT FAILED at %s: %v", step.phase, err))
			o.logger.Error("sandbox boot failed", "phase", string(step.phase), "error", err)
			o.teardown(ctx)
			o.setPhase(PhaseFailed)
			return fmt.Errorf("boot step %s: %w", step.phase, err)
		}
		o.log(fmt.Sprintf("Step %d/%d: %s -- OK", i+1, len(steps), step.phase))
	}

	o.mu.Lock()
	o.running = true
	o.mu.Unlock()
	o.setPhase(PhaseRunning)
	o.log("Boot complete -- sandbox is governed and running")

	healthCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.healthCancel = cancel
	o.healthDone = make(chan struct{})
	o.mu.Unlock()
	go o.healthMonitor(healthCtx)

	return nil
}

// Stop runs the reverse teardown. Safe to call repeatedly.
func (o *Orchestrator) Stop(ctx context.Context, reason ShutdownReason) {
	o.mu.Lock()
	if !o.running && o.phase == PhaseNotStarted {
		o.mu.Unlock()
		return
	}
	if o.phase == PhaseStopped || o.phase == PhaseShuttingDown {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.healthCancel
	done := o.healthDone
	o.healthCancel = nil
	o.healthDone = nil
	o.mu.Unlock()

	o.log("Shutdown initiated: " + string(reason))
	o.setPhase(PhaseShuttingDown)

	if cancel != nil {
		cancel()
		<-done
	}

	o.teardown(ctx)
	o.setPhase(PhaseStopped)
	o.log("Shutdown complete")
	o.logger.Info("sandbox orchestrator stopped", "reason", string(reason))
}

// ReloadConfig re-reads the config file and swaps the policy snapshot
// into the proxy and DNS filter without disturbing the container.
func (o *Orchestrator) ReloadConfig() {
	cfg := o.store.Reload()
	pol := cfg.Policy()

	o.mu.Lock()
	provider := o.provider
	handler := o.proxyHandler
	o.mu.Unlock()

	if provider == nil {
		return
	}

	provider.Replace(pol)
	if handler != nil {
		// A fresh limiter picks up the (possibly changed) global limit;
		// the windows restart empty, same as a proxy restart would.
		handler.SetLimiter(ratelimit.New(pol.GlobalRateLimitRPM))
	}

	o.log("Configuration reloaded")
	o.logger.Info("config reloaded",
		"rules", len(pol.AllRules()), "enforce", pol.Enforce)
}

// ---- boot steps -------------------------------------------------------

// bootPolicyLoad resolves the policy store and verifies the host config.
func (o *Orchestrator) bootPolicyLoad(context.Context) error {
	cfg := o.store.Load()
	pol := cfg.Policy()

	o.mu.Lock()
	if o.provider == nil {
		o.provider = policy.NewProvider(pol)
	} else {
		o.provider.Replace(pol)
	}
	o.mu.Unlock()

	o.log(fmt.Sprintf("  Egress config loaded: %d allowed domains (%d hardcoded)",
		len(pol.AllRules()), pol.SystemRuleCount()))
	if !pol.Enforce {
		o.log("  WARNING: enforce=false -- violations are logged, not blocked")
	}
	return nil
}

// bootImageVerify requires a reachable container runtime and ready
// images.
func (o *Orchestrator) bootImageVerify(ctx context.Context) error {
	if !o.opts.Runtime.Available(ctx) {
		return fmt.Errorf("docker is not installed or not running; " +
			"a container runtime is a hard requirement for governed sandbox mode")
	}
	if version, err := o.opts.Runtime.Version(ctx); err == nil {
		o.log("  Docker daemon: v" + version)
	}
	if err := o.opts.Runtime.VerifyManifest(); err != nil {
		return err
	}
	o.log("  Building container images...")
	if err := o.opts.Runtime.Build(ctx); err != nil {
		return fmt.Errorf("image build: %w", err)
	}
	return nil
}

// bootEgressProxy starts the narrow door.
func (o *Orchestrator) bootEgressProxy(context.Context) error {
	pol := o.provider.Current()

	store, err := auditfile.NewFileStore(o.auditPath(pol), o.opts.HMACKey, o.logger)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	metrics := proxy.NewMetrics(o.registry)
	limiter := ratelimit.New(pol.GlobalRateLimitRPM)
	handler := proxy.NewHandler(o.provider, limiter, store, metrics, o.logger)
	srv := proxy.NewServer(handler, o.logger)

	if err := srv.Start(pol.ProxyHost, o.proxyPort(pol)); err != nil {
		_ = store.Close()
		return err
	}

	o.mu.Lock()
	o.auditStore = store
	o.proxyHandler = handler
	o.proxySrv = srv
	o.mu.Unlock()

	o.log(fmt.Sprintf("  Listening on %s (%d whitelisted domains)",
		srv.Addr(), len(pol.AllRules())))
	return nil
}

// bootApprovalQueue loads persisted approvals.
func (o *Orchestrator) bootApprovalQueue(context.Context) error {
	path := o.opts.ApprovalQueuePath
	if path == "" {
		path = config.DefaultApprovalQueuePath()
	}
	q, err := approval.NewQueue(path, o.logger)
	if err != nil {
		return fmt.Errorf("load approval queue: %w", err)
	}

	o.mu.Lock()
	o.queue = q
	o.mu.Unlock()

	o.log("  Persist path: " + path)
	return nil
}

// bootDNSFilter starts the second enforcement layer.
func (o *Orchestrator) bootDNSFilter(context.Context) error {
	pol := o.provider.Current()
	if !pol.DNSFiltering {
		o.log("  DNS filtering disabled by config")
		return nil
	}

	cfg := o.store.Load()
	f := dnsfilter.NewFilter(o.provider, "0.0.0.0", o.dnsPort(cfg), cfg.DNS.Upstreams, o.logger)
	if err := f.Start(); err != nil {
		return err
	}

	o.mu.Lock()
	o.dnsFilter = f
	o.mu.Unlock()

	o.log(fmt.Sprintf("  Listening on %v (non-whitelisted -> NXDOMAIN)", f.Addr()))
	return nil
}

// bootContainerLaunch starts the agent container last and waits for its
// health check.
func (o *Orchestrator) bootContainerLaunch(ctx context.Context) error {
	env := o.composeEnv()

	if err := o.opts.Runtime.Up(ctx, env, o.opts.Services...); err != nil {
		return fmt.Errorf("container launch: %w", err)
	}
	o.mu.Lock()
	o.launched = true
	o.mu.Unlock()

	o.log("  Waiting for container health check...")
	if err := o.opts.Runtime.WaitHealthy(ctx, o.opts.Services[0], o.opts.HealthBudget); err != nil {
		return fmt.Errorf("container failed health check within %s: %w", o.opts.HealthBudget, err)
	}
	o.log("  Container: healthy and governed")
	return nil
}

// composeEnv wires the container at the enforcement plane: proxy env
// vars, DNS address, and the AEGIS home for read-only mounts.
func (o *Orchestrator) composeEnv() map[string]string {
	// Read the bound address rather than the configured port so an
	// ephemeral-port proxy still gets wired correctly.
	proxyPort := o.proxyPort(o.provider.Current())
	o.mu.Lock()
	srv := o.proxySrv
	o.mu.Unlock()
	if srv != nil {
		if tcp, ok := srv.Addr().(*net.TCPAddr); ok {
			proxyPort = tcp.Port
		}
	}
	proxyURL := fmt.Sprintf("http://host.docker.internal:%d", proxyPort)

	env := map[string]string{
		"EGRESS_PORT": strconv.Itoa(proxyPort),
		"HTTP_PROXY":  proxyURL,
		"HTTPS_PROXY": proxyURL,
		"AEGIS_HOME":  config.AegisHome(),
	}
	if f := o.dnsFilter; f != nil && f.Addr() != nil {
		env["DNS_PORT"] = strconv.Itoa(f.Addr().Port)
	}
	return env
}

// ---- teardown ---------------------------------------------------------

// teardown stops components in reverse boot order. Every step swallows
// its own error so one failing component never blocks the rest.
func (o *Orchestrator) teardown(ctx context.Context) {
	o.mu.Lock()
	launched := o.launched
	dnsF := o.dnsFilter
	queue := o.queue
	proxySrv := o.proxySrv
	auditStore := o.auditStore
	o.launched = false
	o.dnsFilter = nil
	o.queue = nil
	o.proxySrv = nil
	o.proxyHandler = nil
	o.auditStore = nil
	o.mu.Unlock()

	if launched {
		o.log("  Stopping container...")
		if err := o.opts.Runtime.Down(ctx); err != nil {
			o.logger.Warn("container stop error", "error", err)
		}
	}

	if dnsF != nil {
		o.log("  Stopping DNS filter...")
		dnsF.Stop()
	}

	if queue != nil {
		o.log("  Stopping approval queue...")
		if err := queue.Close(); err != nil {
			o.logger.Warn("approval queue stop error", "error", err)
		}
	}

	if proxySrv != nil {
		o.log("  Stopping egress proxy...")
		proxySrv.Stop(ctx)
	}

	if auditStore != nil {
		if err := auditStore.Close(); err != nil {
			o.logger.Warn("audit store close error", "error", err)
		}
	}
}

// ---- health monitor ---------------------------------------------------

// healthMonitor polls the container while running and initiates shutdown
// if it dies.
func (o *Orchestrator) healthMonitor(ctx context.Context) {
	o.mu.Lock()
	done := o.healthDone
	o.mu.Unlock()
	defer close(done)

	ticker := time.NewTicker(o.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !o.isRunning() {
				return
			}
			if !o.opts.Runtime.Running(ctx, o.opts.Services[0]) {
				o.logger.Error("container died, initiating shutdown")
				o.log("ALERT: container died unexpectedly")
				// Detach from Stop's wait path: this goroutine is the one
				// exiting, so Stop must not block on it.
				o.mu.Lock()
				o.lastErr = "container died unexpectedly"
				o.healthCancel = nil
				o.healthDone = nil
				o.mu.Unlock()
				o.stopFromMonitor()
				return
			}
		}
	}
}

// stopFromMonitor runs teardown on container death without re-entering
// the healthDone wait.
func (o *Orchestrator) stopFromMonitor() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.mu.Unlock()

	o.log("Shutdown initiated: " + string(ReasonContainerDied))
	o.setPhase(PhaseShuttingDown)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	o.teardown(ctx)
	o.setPhase(PhaseStopped)
	o.log("Shutdown complete")
}

// ---- status -----------------------------------------------------------

// Status is the orchestrator snapshot served to dashboards.
type Status struct {
	Phase            Phase             `json:"phase"`
	Running          bool              `json:"running"`
	Enforce          bool              `json:"enforce"`
	DockerAvailable  bool              `json:"docker_available"`
	EgressProxy      bool              `json:"egress_proxy_running"`
	DNSFilter        bool              `json:"dns_filter_running"`
	ApprovalQueue    bool              `json:"approval_queue_running"`
	ContainerRunning bool              `json:"container_running"`
	ContainerHealthy bool              `json:"container_healthy"`
	UptimeSeconds    float64           `json:"uptime_s"`
	Error            string            `json:"error"`
	BootLog          []string          `json:"boot_log"`
	DNSStats         *dnsfilter.Stats  `json:"dns_stats,omitempty"`
	AuditStats       *auditfile.Stats  `json:"audit_stats,omitempty"`
	RateStats        map[string]int    `json:"rate_stats,omitempty"`
}

// Status assembles the snapshot. The enforce flag is surfaced here so
// a log-only posture is impossible to miss on any dashboard.
func (o *Orchestrator) Status(ctx context.Context) Status {
	o.mu.Lock()
	phase := o.phase
	running := o.running
	lastErr := o.lastErr
	startedAt := o.startedAt
	proxySrv := o.proxySrv
	proxyHandler := o.proxyHandler
	dnsF := o.dnsFilter
	queue := o.queue
	auditStore := o.auditStore
	provider := o.provider
	tail := o.bootLog
	if len(tail) > statusBootLogTail {
		tail = tail[len(tail)-statusBootLogTail:]
	}
	bootLog := make([]string, len(tail))
	copy(bootLog, tail)
	o.mu.Unlock()

	st := Status{
		Phase:           phase,
		Running:         running,
		DockerAvailable: o.opts.Runtime.Available(ctx),
		EgressProxy:     proxySrv != nil && proxySrv.Running(),
		DNSFilter:       dnsF != nil && dnsF.Running(),
		ApprovalQueue:   queue != nil,
		Error:           lastErr,
		BootLog:         bootLog,
	}
	if provider != nil {
		st.Enforce = provider.Current().Enforce
	}
	if !startedAt.IsZero() {
		st.UptimeSeconds = time.Since(startedAt).Seconds()
	}
	if running {
		st.ContainerRunning = o.opts.Runtime.Running(ctx, o.opts.Services[0])
		st.ContainerHealthy = o.opts.Runtime.Healthy(ctx, o.opts.Services[0])
	}
	if dnsF != nil {
		stats := dnsF.Stats()
		st.DNSStats = &stats
	}
	if auditStore != nil {
		if stats, err := auditStore.Stats(); err == nil {
			st.AuditStats = &stats
		}
	}
	if proxyHandler != nil {
		st.RateStats = proxyHandler.Limiter().Stats()
	}
	return st
}

// ---- accessors for the admin endpoint ---------------------------------

// AuditStore returns the running audit store (nil before boot).
func (o *Orchestrator) AuditStore() *auditfile.FileStore {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.auditStore
}

// ApprovalQueue returns the running approval queue (nil before boot).
func (o *Orchestrator) ApprovalQueue() *approval.Queue {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue
}

// Provider returns the policy provider (nil before boot).
func (o *Orchestrator) Provider() *policy.Provider {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.provider
}

// Registry returns the metrics registry for the admin /metrics endpoint.
func (o *Orchestrator) Registry() *prometheus.Registry {
	return o.registry
}

// ProxyAddr returns the bound proxy address string, or "".
func (o *Orchestrator) ProxyAddr() string {
	o.mu.Lock()
	srv := o.proxySrv
	o.mu.Unlock()
	if srv == nil || srv.Addr() == nil {
		return ""
	}
	return srv.Addr().String()
}

// ---- helpers ----------------------------------------------------------

func (o *Orchestrator) isRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
}

// log appends to the bounded boot log ring and mirrors to the logger.
func (o *Orchestrator) log(message string) {
	entry := time.Now().Format("15:04:05") + " " + message

	o.mu.Lock()
	o.bootLog = append(o.bootLog, entry)
	if len(o.bootLog) > bootLogCap {
		o.bootLog = o.bootLog[len(o.bootLog)-bootLogCap:]
	}
	o.mu.Unlock()

	o.logger.Info(message)
}

// proxyPort resolves the effective proxy port: option override first,
// then config.
func (o *Orchestrator) proxyPort(pol *policy.Policy) int {
	switch {
	case o.opts.ProxyPort > 0:
		return o.opts.ProxyPort
	case o.opts.ProxyPort < 0:
		return 0 // ephemeral
	default:
		return pol.ProxyPort
	}
}

func (o *Orchestrator) dnsPort(cfg *config.Config) int {
	switch {
	case o.opts.DNSPort > 0:
		return o.opts.DNSPort
	case o.opts.DNSPort < 0:
		return 0
	default:
		return cfg.DNS.Port
	}
}

func (o *Orchestrator) auditPath(pol *policy.Policy) string {
	if o.opts.AuditLogPath != "" {
		return o.opts.AuditLogPath
	}
	return pol.AuditLogPath
}
