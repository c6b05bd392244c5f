// Package cli is the mail-engine command tree.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"renewal-mail-engine/internal/app"
)

var rootCmd = &cobra.Command{
	Use:   "mail-engine",
	Short: "Renewal mail engine",
	Long: `Polls customer mailboxes, classifies and threads incoming mail, runs
automations, sends campaigns and reconciles delivery webhooks.

Examples:
  mail-engine serve                 # HTTP API and schedulers
  mail-engine poll                  # one poll cycle over every account
  mail-engine poll --account 3      # sync a single account
  mail-engine dispatch              # send every due campaign
  mail-engine dispatch --campaign 7 # send one campaign now
  mail-engine vault encrypt         # seal a credential read from stdin
  mail-engine gmail-token           # obtain a Gmail refresh token`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pollCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(vaultCmd)
	rootCmd.AddCommand(gmailTokenCmd)
}

// Execute runs the command named on the command line
func Execute() error {
	return rootCmd.Execute()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the schedulers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.Run()
	},
}

// openApp loads configuration and builds the services for a one-shot command
func openApp() (*app.App, error) {
	cfg, err := app.Load()
	if err != nil {
		return nil, err
	}
	return app.New(cfg, prometheus.NewRegistry())
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}
