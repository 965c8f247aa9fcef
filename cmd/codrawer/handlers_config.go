package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/codrawer/internal/config"
	"github.com/haasonsaas/codrawer/internal/discovery"
)

const redacted = "********"

// runConfigShow prints the effective configuration as YAML.
func runConfigShow(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	shown := *cfg
	if shown.Generation.APIKey != "" {
		shown.Generation.APIKey = redacted
	}
	data, err := yaml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// runConfigValidate loads the configuration and reports whether it is usable.
func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	source := configPath
	if source == "" {
		source = "defaults"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (backend %s, listen %s)\n", source, cfg.Generation.Backend, cfg.Server.Addr())
	return nil
}

// runConfigSchema prints the JSON Schema of the configuration file.
func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if _, err := out.Write(data); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out)
	return err
}

// runDiscover lists routers advertised on the local network.
func runDiscover(cmd *cobra.Command, service string, timeout time.Duration) error {
	entries, err := discovery.Browse(cmd.Context(), service, timeout)
	if err != nil {
		return fmt.Errorf("mdns browse: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No routers found.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tADDRESS\tURL")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\tws://%s%s{session}\n", e.Instance, e.Addr, e.Addr, e.Path)
	}
	return tw.Flush()
}
