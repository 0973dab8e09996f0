// Package cmd provides the CLI commands for the AEGIS enforcement plane.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/orion-agent/aegis/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "aegis",
	Short: "AEGIS - governed sandbox boundary for Orion Agent",
	Long: `AEGIS is the host-side enforcement plane that confines an autonomous
coding agent running inside a container. Every outbound request, DNS
lookup, and credential is mediated by policy the agent cannot modify.

It runs four coupled subsystems: the egress proxy (the only sanctioned
outbound path), the DNS filter (second enforcement layer), the
hash-chained audit log, and the approval queue -- all booted in a fixed
order before the agent container starts.

Quick start:
  1. Optionally edit ~/.aegis/egress_config.yaml (created on first run)
  2. Set AEGIS_HMAC_KEY in the environment or ~/.aegis/.env
  3. Run: aegis start

Configuration:
  The config file lives on the host at ~/.aegis/egress_config.yaml.
  Environment variables override config values with the AEGIS_ prefix,
  e.g. AEGIS_PROXY_PORT=9999.

Commands:
  start       Run the governed boot sequence and serve until interrupted
  verify      Verify the audit log's hash chain and signatures
  status      Query a running instance's status endpoint
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(loadEnvFile)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ~/.aegis/egress_config.yaml)")
}

// loadEnvFile pulls host secrets (notably AEGIS_HMAC_KEY) from
// ~/.aegis/.env before any command runs. A missing file is fine.
func loadEnvFile() {
	_ = godotenv.Load(filepath.Join(config.AegisHome(), ".env"))
}
