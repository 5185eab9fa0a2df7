package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/agent-runner/internal/config"
	"github.com/mattjoyce/agent-runner/internal/workspace"
)

const defaultConfigPath = "config.yaml"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	var configPath string
	check := &cobra.Command{
		Use:   "check",
		Short: "Load and validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			digest, err := config.Digest(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration OK: %s\n", configPath)
			fmt.Fprintf(out, "  digest: %s\n", digest)
			fmt.Fprintf(out, "  max_concurrent: %d\n", cfg.Service.MaxConcurrent)
			fmt.Fprintf(out, "  default_timeout: %s\n", cfg.Service.DefaultTimeout)
			fmt.Fprintf(out, "  workspace.root: %s\n", cfg.Workspace.Root)
			fmt.Fprintf(out, "  providers: %d (default %s)\n", len(cfg.Providers.Entries), cfg.Providers.Default)
			fmt.Fprintf(out, "  api: %s\n", enabledString(cfg.API.Enabled, cfg.API.Listen))
			fmt.Fprintf(out, "  nats: %s\n", enabledString(cfg.NATS.Enabled, cfg.NATS.Subject))
			return nil
		},
	}
	check.Flags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file or directory")

	var getConfigPath string
	get := &cobra.Command{
		Use:   "get <path>",
		Short: "Print a configuration value (secrets redacted)",
		Long: `Print a configuration value by dot-notation path, e.g. service.max_concurrent,
or a provider entry with provider:<name> (provider:* lists names).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(getConfigPath)
			if err != nil {
				return err
			}
			v, err := cfg.GetPath(args[0])
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(v)
			if err != nil {
				return fmt.Errorf("render value: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	get.Flags().StringVar(&getConfigPath, "config", defaultConfigPath, "Path to configuration file or directory")

	cmd.AddCommand(check, get)
	return cmd
}

func enabledString(enabled bool, detail string) string {
	if !enabled {
		return "disabled"
	}
	return "enabled (" + detail + ")"
}

func newSlugCmd() *cobra.Command {
	var host string
	cmd := &cobra.Command{
		Use:   "slug <repo>",
		Short: "Print the cache slug and clone URL for a repository reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slug, err := workspace.RepoSlug(args[0])
			if err != nil {
				return err
			}
			cloneURL, err := workspace.CloneURL(args[0], host)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "slug: %s\nclone_url: %s\n", slug, cloneURL)
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "git-host", config.Defaults().Workspace.GitHost, "Host used for owner/name shorthand")
	return cmd
}
