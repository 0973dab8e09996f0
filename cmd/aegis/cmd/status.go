package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/orion-agent/aegis/internal/config"
)

var statusAdminAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running instance's status endpoint",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAdminAddr, "admin-addr", config.DefaultAdminAddr,
		"admin endpoint address of the running instance")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + statusAdminAddr + "/status")
	if err != nil {
		return fmt.Errorf("aegis does not appear to be running at %s: %w", statusAdminAddr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	// Re-indent for the terminal.
	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
	return nil
}
