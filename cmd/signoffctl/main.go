// Command signoffctl is the operator CLI for the Signoff portal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"signoff/api/internal/config"
	"signoff/api/internal/kv"
	"signoff/api/internal/linear"
)

var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:   "signoffctl",
	Short: "Operate the Signoff acceptance portal",
	Long: `signoffctl runs one-off maintenance against the portal's Postgres and
Redis stores. It reads the same environment variables as the API server.

Examples:
  signoffctl sync                     # Re-mirror every configured team
  signoffctl sync TEAM_ID             # Re-mirror one team
  signoffctl tree TEAM_ID             # Print a team's issue hierarchy
  signoffctl issue ISSUE_ID           # Compare an issue with its mirror
  signoffctl grant role a@b.com admin # Change a user's role
  signoffctl migrate up               # Apply database migrations`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(grantCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(issueCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}

func openKV(cfg config.Config) (*kv.Store, error) {
	store, err := kv.Open(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return store, nil
}

func newLinearClient(cfg config.Config) (*linear.Client, error) {
	if cfg.LinearAPIKey == "" {
		return nil, fmt.Errorf("LINEAR_API_KEY is not set")
	}
	return linear.NewClient(cfg.LinearAPIKey,
		linear.WithEndpoint(cfg.LinearAPIURL),
		linear.WithTimeout(cfg.LinearTimeout),
		linear.WithRateLimit(cfg.LinearRatePerSecond, cfg.LinearRateBurst),
		linear.WithPageSize(cfg.LinearPageSize),
		linear.WithMaxPages(cfg.LinearMaxPages),
	), nil
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
