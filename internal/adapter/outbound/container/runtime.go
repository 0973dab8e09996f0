// Package container wraps the host's Docker CLI for the orchestrator:
// daemon checks, compose build/up/down, and service health queries. Only
// the orchestrator writes container state; everything here shells out to
// the docker binary with bounded timeouts.
package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// Command timeouts.
const (
	infoTimeout  = 10 * time.Second
	buildTimeout = 5 * time.Minute
	upTimeout    = 2 * time.Minute
	downTimeout  = 30 * time.Second
	psTimeout    = 10 * time.Second
)

// ErrDockerUnavailable is returned when the docker daemon cannot be
// reached. Docker is a hard requirement for governed sandbox mode.
var ErrDockerUnavailable = errors.New("docker is not installed or the daemon is not running")

// runFunc executes one CLI command and returns stdout. Swappable in tests.
type runFunc func(ctx context.Context, dir string, env []string, name string, args ...string) (string, error)

// Runtime drives the agent container stack through docker compose.
type Runtime struct {
	composeFile string
	logger      *slog.Logger
	run         runFunc
}

// NewRuntime creates a Runtime for the given compose file.
func NewRuntime(composeFile string, logger *slog.Logger) *Runtime {
	return &Runtime{
		composeFile: composeFile,
		logger:      logger,
		run:         execRun,
	}
}

// execRun is the real command runner.
func execRun(ctx context.Context, dir string, env []string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return "", fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
	}
	return string(out), nil
}

// ComposeFile returns the compose manifest path.
func (r *Runtime) ComposeFile() string {
	return r.composeFile
}

// Available reports whether the docker daemon answers.
func (r *Runtime) Available(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, infoTimeout)
	defer cancel()
	_, err := r.run(ctx, "", nil, "docker", "info")
	return err == nil
}

// Version returns the docker server version string.
func (r *Runtime) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, infoTimeout)
	defer cancel()
	out, err := r.run(ctx, "", nil, "docker", "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// VerifyManifest checks that the compose file exists on disk.
func (r *Runtime) VerifyManifest() error {
	if _, err := os.Stat(r.composeFile); err != nil {
		return fmt.Errorf("compose manifest not found at %s: %w", r.composeFile, err)
	}
	return nil
}

// Build builds (or verifies) the compose images.
func (r *Runtime) Build(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, buildTimeout)
	defer cancel()
	_, err := r.run(ctx, filepath.Dir(r.composeFile), nil,
		"docker", "compose", "-f", r.composeFile, "build")
	return err
}

// Up launches the named services detached, with the given extra
// environment (EGRESS_PORT, DNS_PORT and friends for the compose file).
func (r *Runtime) Up(ctx context.Context, env map[string]string, services ...string) error {
	ctx, cancel := context.WithTimeout(ctx, upTimeout)
	defer cancel()

	var envList []string
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	args := []string{"compose", "-f", r.composeFile, "up", "-d", "--no-build"}
	args = append(args, services...)
	_, err := r.run(ctx, filepath.Dir(r.composeFile), envList, "docker", args...)
	return err
}

// Down stops the stack, giving containers a short grace period.
func (r *Runtime) Down(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, downTimeout)
	defer cancel()
	_, err := r.run(ctx, filepath.Dir(r.composeFile), nil,
		"docker", "compose", "-f", r.composeFile, "down", "--timeout", "10")
	return err
}

// psEntry is one line of `docker compose ps --format json`.
type psEntry struct {
	State  string `json:"State"`
	Health string `json:"Health"`
}

// serviceState queries compose for one service's state and health.
func (r *Runtime) serviceState(ctx context.Context, service string) (psEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, psTimeout)
	defer cancel()

	out, err := r.run(ctx, filepath.Dir(r.composeFile), nil,
		"docker", "compose", "-f", r.composeFile, "ps", "--format", "json", service)
	if err != nil {
		return psEntry{}, err
	}

	// Newer compose prints one JSON object per line.
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var entry psEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		return entry, nil
	}
	return psEntry{}, fmt.Errorf("service %s not found", service)
}

// Running reports whether the service's container is running.
func (r *Runtime) Running(ctx context.Context, service string) bool {
	entry, err := r.serviceState(ctx, service)
	return err == nil && entry.State == "running"
}

// Healthy reports whether the service's container passes its health
// check.
func (r *Runtime) Healthy(ctx context.Context, service string) bool {
	entry, err := r.serviceState(ctx, service)
	return err == nil && entry.Health == "healthy"
}

// WaitHealthy polls the service until it reports healthy or the budget
// runs out.
func (r *Runtime) WaitHealthy(ctx context.Context, service string, budget time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	return retry.Do(
		func() error {
			if r.Healthy(ctx, service) {
				return nil
			}
			return fmt.Errorf("service %s not healthy yet", service)
		},
		retry.Context(ctx),
		retry.Delay(2*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.Attempts(0), // retry until the context expires
		retry.LastErrorOnly(true),
	)
}
