package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRuntime simulates the container stack in memory.
type fakeRuntime struct {
	mu          sync.Mutex
	available   bool
	manifestErr error
	buildErr    error
	upErr       error
	up          bool
	healthy     bool
	upEnv       map[string]string
	downCalls   int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{available: true, healthy: true}
}

func (f *fakeRuntime) Available(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeRuntime) Version(context.Context) (string, error) { return "27.0-test", nil }

func (f *fakeRuntime) VerifyManifest() error { return f.manifestErr }

func (f *fakeRuntime) Build(context.Context) error { return f.buildErr }

func (f *fakeRuntime) Up(_ context.Context, env map[string]string, _ ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upErr != nil {
		return f.upErr
	}
	f.up = true
	f.upEnv = env
	return nil
}

func (f *fakeRuntime) Down(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.up = false
	f.downCalls++
	return nil
}

func (f *fakeRuntime) Running(context.Context, string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.up
}

func (f *fakeRuntime) Healthy(context.Context, string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.up && f.healthy
}

func (f *fakeRuntime) WaitHealthy(ctx context.Context, service string, _ time.Duration) error {
	if f.Healthy(ctx, service) {
		return nil
	}
	return errors.New("never healthy")
}

func (f *fakeRuntime) kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.up = false
}

func testOptions(t *testing.T, rt ContainerRuntime) Options {
	t.Helper()
	dir := t.TempDir()
	return Options{
		ConfigPath:        filepath.Join(dir, "egress_config.yaml"),
		ProxyPort:         -1,
		DNSPort:           -1,
		AuditLogPath:      filepath.Join(dir, "egress_audit.log"),
		ApprovalQueuePath: filepath.Join(dir, "approval_queue.json"),
		HMACKey:           []byte("orchestrator-test-key-0123456789"),
		Runtime:           rt,
		Services:          []string{"api"},
		HealthInterval:    50 * time.Millisecond,
		HealthBudget:      time.Second,
	}
}

func TestBoot_FullSequence(t *testing.T) {
	rt := newFakeRuntime()
	o, err := NewOrchestrator(testOptions(t, rt), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("boot failed: %v", err)
	}
	defer o.Stop(context.Background(), ReasonUserRequested)

	st := o.Status(context.Background())
	if st.Phase != PhaseRunning {
		t.Errorf("phase = %s, want running", st.Phase)
	}
	if !st.Running || !st.EgressProxy || !st.DNSFilter || !st.ApprovalQueue {
		t.Errorf("component flags = %+v", st)
	}
	if !st.ContainerRunning || !st.ContainerHealthy {
		t.Error("container must be running and healthy")
	}
	if !st.Enforce {
		t.Error("default policy must enforce")
	}
	if len(st.BootLog) == 0 {
		t.Error("boot log must not be empty")
	}

	// Container env wires the proxy and DNS filter.
	if rt.upEnv["HTTP_PROXY"] == "" || rt.upEnv["HTTPS_PROXY"] == "" {
		t.Errorf("proxy env missing: %v", rt.upEnv)
	}
	if rt.upEnv["DNS_PORT"] == "" {
		t.Errorf("dns env missing: %v", rt.upEnv)
	}
}

func TestBoot_ContainerIsLastStep(t *testing.T) {
	rt := newFakeRuntime()
	rt.upErr = errors.New("compose up failed")

	o, err := NewOrchestrator(testOptions(t, rt), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	// Even when the container fails, every enforcement component had
	// already been started -- and is then torn back down.
	if err := o.Start(context.Background()); err == nil {
		t.Fatal("boot must fail when container launch fails")
	}

	st := o.Status(context.Background())
	if st.Phase != PhaseFailed {
		t.Errorf("phase = %s, want failed", st.Phase)
	}
	if st.EgressProxy || st.DNSFilter {
		t.Error("teardown must stop enforcement components after boot failure")
	}
}

func TestBoot_FailsWithoutDocker(t *testing.T) {
	rt := newFakeRuntime()
	rt.available = false

	o, err := NewOrchestrator(testOptions(t, rt), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	err = o.Start(context.Background())
	if err == nil {
		t.Fatal("boot must fail without docker")
	}
	if st := o.Status(context.Background()); st.Phase != PhaseFailed {
		t.Errorf("phase = %s", st.Phase)
	}
}

func TestBoot_UnhealthyContainerFails(t *testing.T) {
	rt := newFakeRuntime()
	rt.healthy = false

	o, err := NewOrchestrator(testOptions(t, rt), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	if err := o.Start(context.Background()); err == nil {
		t.Fatal("boot must fail when the health check never passes")
	}
	if rt.downCalls == 0 {
		t.Error("failed boot must tear the container down")
	}
}

func TestStop_ReverseTeardown(t *testing.T) {
	rt := newFakeRuntime()
	o, err := NewOrchestrator(testOptions(t, rt), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	o.Stop(context.Background(), ReasonUserRequested)

	st := o.Status(context.Background())
	if st.Phase != PhaseStopped {
		t.Errorf("phase = %s, want stopped", st.Phase)
	}
	if st.EgressProxy || st.DNSFilter || st.ApprovalQueue || st.Running {
		t.Errorf("components still up after stop: %+v", st)
	}
	if rt.up {
		t.Error("container must be stopped")
	}

	// Idempotent.
	o.Stop(context.Background(), ReasonUserRequested)
}

func TestHealthMonitor_ContainerDeathTriggersShutdown(t *testing.T) {
	rt := newFakeRuntime()
	o, err := NewOrchestrator(testOptions(t, rt), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	rt.kill()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st := o.Status(context.Background()); st.Phase == PhaseStopped {
			if st.Error == "" {
				t.Error("container death must be recorded in status")
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("orchestrator did not shut down after container death: %+v", o.Status(context.Background()))
}

func TestReloadConfig_SwapsPolicy(t *testing.T) {
	rt := newFakeRuntime()
	opts := testOptions(t, rt)
	o, err := NewOrchestrator(opts, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer o.Stop(context.Background(), ReasonUserRequested)

	if o.Provider().Current().Match("docs.example.net") != nil {
		t.Fatal("domain must start blocked")
	}

	// Edit the config on disk, then hot-reload.
	content := "research_domains:\n  - docs.example.net\n"
	if err := os.WriteFile(opts.ConfigPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	o.ReloadConfig()

	if o.Provider().Current().Match("docs.example.net") == nil {
		t.Error("reload must pick up new research domain")
	}
	if st := o.Status(context.Background()); !st.ContainerRunning {
		t.Error("reload must not disturb the container")
	}
}

func TestNewOrchestrator_RequiresKeyAndRuntime(t *testing.T) {
	if _, err := NewOrchestrator(Options{Runtime: newFakeRuntime()}, testLogger()); err == nil {
		t.Error("missing HMAC key must be rejected")
	}
	if _, err := NewOrchestrator(Options{HMACKey: []byte("k")}, testLogger()); err == nil {
		t.Error("missing runtime must be rejected")
	}
}
