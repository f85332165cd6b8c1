package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/octolab/octolab/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// A .env in the working directory seeds OCTOLAB_* variables during
	// development. Absence is normal.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "octolab",
	Short: "OctoLab - disposable lab lifecycle core",
	Long: `OctoLab manages the full lifecycle of disposable lab environments:
provisioning, readiness, teardown, evidence retention and cleanup.

Labs run on a pluggable runtime (docker compose, microVM, noop) behind
one internal HTTP API. This binary runs the server and the operator
commands that talk to it.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"OctoLab version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("api", "",
		"Base URL of the lifecycle API (default: OCTOLAB_API_URL or http://127.0.0.1:8800)")
	rootCmd.PersistentFlags().String("token", "",
		"Internal API token (default: OCTOLAB_INTERNAL_TOKEN)")
}

// apiClient builds the admin client from the persistent flags. The token
// falls back to the environment so operator shells do not have to put it
// on the command line.
func apiClient(cmd *cobra.Command) (*client.Client, error) {
	base, _ := cmd.Flags().GetString("api")
	if base == "" {
		base = envOr("OCTOLAB_API_URL", "http://127.0.0.1:8800")
	}

	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("OCTOLAB_INTERNAL_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("no internal token: set OCTOLAB_INTERNAL_TOKEN or pass --token")
	}

	return client.New(base, token), nil
}

// commandContext returns a context canceled on SIGINT or SIGTERM so API
// calls in flight abort cleanly.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
