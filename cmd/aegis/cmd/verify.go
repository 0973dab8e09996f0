package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	auditfile "github.com/orion-agent/aegis/internal/adapter/outbound/audit"
	"github.com/orion-agent/aegis/internal/config"
)

var verifyAuditLog string

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit log's hash chain and signatures",
	Long: `Verify re-derives every entry's hash and HMAC signature and checks
the chain links. Any truncation, reordering, or edit fails verification.

The signing key is read from AEGIS_HMAC_KEY (or ~/.aegis/.env). Exits
non-zero when the chain does not verify.`,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifyAuditLog, "audit-log", "",
		"audit log path (default: ~/.aegis/egress_audit.log)")
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, _ []string) error {
	key, generated, err := hmacKeyFromEnv()
	if err != nil {
		return err
	}
	if generated {
		return fmt.Errorf("AEGIS_HMAC_KEY is not set; cannot verify signatures without the signing key")
	}

	path := verifyAuditLog
	if path == "" {
		path = config.DefaultAuditLogPath()
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := auditfile.NewFileStore(path, key, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ok, count, err := store.Verify()
	if err != nil && ok {
		return err
	}
	if !ok {
		fmt.Printf("FAILED: chain integrity failure after %d entries\n", count)
		if err != nil {
			fmt.Printf("  %v\n", err)
		}
		os.Exit(1)
	}

	fmt.Printf("OK: %d entries verified (%s)\n", count, path)
	return nil
}
