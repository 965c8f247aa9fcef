// Package main provides the CLI entry point for the codrawer ink router.
//
// The router accepts ink from stylus bridges and viewers over WebSocket,
// fans it out to everyone in the same session and, when drawing pauses,
// asks a generation backend for ghost ink.
//
// # Basic Usage
//
// Start the router:
//
//	codrawer serve --config codrawer.yaml
//
// Inspect configuration:
//
//	codrawer config show
//	codrawer config validate
//	codrawer config schema > codrawer.schema.json
//
// Find routers on the local network:
//
//	codrawer discover
//
// # Environment Variables
//
//   - CODRAWER_CONFIG: Path to configuration file (default: codrawer.yaml)
//   - CODRAWER_PORT, CODRAWER_HOST: Listen address
//   - CODRAWER_AI_MIN_MODEL_INTERVAL_S: Minimum seconds between generation calls
//   - CODRAWER_AI_DEBOUNCE_S: Quiet period before a burst becomes a request
//   - CODRAWER_MODEL_SERVER_URL: OpenAI-compatible model server
//   - CODRAWER_BACKEND, CODRAWER_API_KEY, CODRAWER_MODEL: Generation backend
//   - CODRAWER_REGION: AWS region for the bedrock backend
//   - CODRAWER_AGENTIC_IDLE_S: Idle seconds before the agent draws unprompted (0 disables)
//   - CODRAWER_AGENT_PERSONA, CODRAWER_AGENT_PERSONALITY: Agent persona sent to model backends
//   - CODRAWER_DEBUG_LOG_MSGS: Log every inbound frame
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "codrawer",
		Short: "codrawer - collaborative ink router with ghost ink",
		Long: `codrawer routes live pen strokes between the devices and viewers of a
session and contributes AI "ghost" ink when drawing pauses.

Generation backends: heuristic (offline), OpenAI-compatible, Anthropic, Google.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
		buildDiscoverCmd(),
	)
	return rootCmd
}
