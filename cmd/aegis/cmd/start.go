package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orion-agent/aegis/internal/adapter/inbound/admin"
	"github.com/orion-agent/aegis/internal/adapter/outbound/container"
	"github.com/orion-agent/aegis/internal/config"
	"github.com/orion-agent/aegis/internal/service"
	"github.com/orion-agent/aegis/internal/telemetry"
)

var (
	startProxyPort   int
	startDNSPort     int
	startAdminAddr   string
	startAuditLog    string
	startLogLevel    string
	startComposeFile string
	startServices    []string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the governed boot sequence and serve until interrupted",
	Long: `Start brings the enforcement plane up in a fixed order -- policy,
image verification, egress proxy, approval queue, DNS filter -- and only
then launches the agent container. SIGINT or SIGTERM runs the reverse
teardown and exits zero.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().IntVar(&startProxyPort, "port", 0, "egress proxy port (default from config)")
	startCmd.Flags().IntVar(&startDNSPort, "dns-port", 0, "DNS filter port (default from config)")
	startCmd.Flags().StringVar(&startAdminAddr, "admin-addr", "", "admin endpoint address (default from config)")
	startCmd.Flags().StringVar(&startAuditLog, "audit-log", "", "audit log path (default from config)")
	startCmd.Flags().StringVar(&startLogLevel, "log-level", "", "log level: debug, info, warn, error")
	startCmd.Flags().StringVar(&startComposeFile, "compose-file", "", "compose manifest (default: ./docker-compose.yml)")
	startCmd.Flags().StringSliceVar(&startServices, "services", nil, "compose services to launch (default: api,web)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, _ []string) error {
	// Peek at the config for logging and admin defaults; the
	// orchestrator loads it again as boot step one.
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	store := config.NewStore(cfgFile, bootstrapLogger)
	cfg := store.Load()

	logLevel := startLogLevel
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(logLevel),
	}))
	logger.Info("loaded config", "file", store.Path())

	key, generated, err := hmacKeyFromEnv()
	if err != nil {
		return err
	}
	if generated {
		logger.Warn("AEGIS_HMAC_KEY is not set; using an ephemeral key -- " +
			"audit entries from this run cannot be verified after restart")
	}

	composeFile := startComposeFile
	if composeFile == "" {
		composeFile = "docker-compose.yml"
	}

	// Telemetry to a host-side file next to the audit log.
	telemetryPath := filepath.Join(config.AegisHome(), "telemetry.jsonl")
	telemetryFile, err := os.OpenFile(telemetryPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		logger.Warn("telemetry disabled, cannot open file", "path", telemetryPath, "error", err)
	}
	telemetryCfg := telemetry.Config{ServiceVersion: Version}
	if telemetryFile != nil {
		telemetryCfg.Writer = telemetryFile
		defer func() { _ = telemetryFile.Close() }()
	}
	shutdownTelemetry, err := telemetry.Setup(telemetryCfg)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	runtime := container.NewRuntime(composeFile, logger)
	orch, err := service.NewOrchestrator(service.Options{
		ConfigPath:   cfgFile,
		ProxyPort:    startProxyPort,
		DNSPort:      startDNSPort,
		AuditLogPath: startAuditLog,
		HMACKey:      key,
		Runtime:      runtime,
		Services:     startServices,
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("governed boot failed: %w", err)
	}

	adminAddr := startAdminAddr
	if adminAddr == "" {
		adminAddr = cfg.AdminAddr
	}
	adminSrv := admin.NewServer(adminAddr, admin.NewHandler(orch, logger), logger)
	adminSrv.Start()

	// Watch the config file so host-side edits land without a restart.
	watcher, err := config.NewWatcher(store.Path(), orch.ReloadConfig, logger)
	if err != nil {
		logger.Warn("config watcher unavailable, use the reload endpoint instead", "error", err)
	} else {
		go watcher.Run(ctx)
		defer func() { _ = watcher.Close() }()
	}

	logger.Info("aegis running",
		"proxy", orch.ProxyAddr(),
		"admin", adminAddr,
		"enforce", orch.Provider().Current().Enforce,
	)

	<-ctx.Done()
	stop() // a second signal now kills the process the default way

	logger.Info("signal received, shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	adminSrv.Stop(5 * time.Second)
	orch.Stop(shutdownCtx, service.ReasonUserRequested)

	logger.Info("aegis stopped")
	return nil
}

// hmacKeyFromEnv resolves the audit signing key: hex-decoded when it
// parses as hex, raw bytes otherwise, or a generated ephemeral key when
// unset.
func hmacKeyFromEnv() (key []byte, generated bool, err error) {
	raw := os.Getenv("AEGIS_HMAC_KEY")
	if raw == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, false, fmt.Errorf("generate ephemeral HMAC key: %w", err)
		}
		return key, true, nil
	}
	if decoded, decErr := hex.DecodeString(raw); decErr == nil && len(decoded) >= 16 {
		return decoded, false, nil
	}
	if len(raw) < 16 {
		return nil, false, fmt.Errorf("AEGIS_HMAC_KEY too short: need at least 16 bytes")
	}
	return []byte(raw), false, nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
