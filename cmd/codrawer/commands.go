package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/codrawer/internal/discovery"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the ink router.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ink router",
		Long: `Start the ink router.

The server will:
1. Load configuration from the specified file (or defaults plus CODRAWER_* variables)
2. Build the generation backend
3. Serve WebSocket sessions at /ws/{session}, /healthz and /metrics
4. Advertise itself over mDNS when discovery is enabled

Live settings (gate interval, debounces, log level) are reloaded when the
config file changes. Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with defaults (offline heuristic backend)
  codrawer serve

  # Start with a config file
  codrawer serve --config /etc/codrawer/codrawer.yaml

  # Use a local OpenAI-compatible model server
  CODRAWER_MODEL_SERVER_URL=http://localhost:3000 codrawer serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug, watch)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to configuration file (YAML, JSON5 or TOML)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	cmd.Flags().BoolVar(&watch, "watch", true,
		"Reload live settings when the config file changes")

	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigShowCmd(), buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigShowCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to configuration file")
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

// =============================================================================
// Discover Command
// =============================================================================

// buildDiscoverCmd creates the "discover" command that browses mDNS for routers.
func buildDiscoverCmd() *cobra.Command {
	var (
		service string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find codrawer routers on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(cmd, service, timeout)
		},
	}
	cmd.Flags().StringVar(&service, "service", discovery.DefaultService, "mDNS service type to browse")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "How long to listen for answers")
	return cmd
}
