package main

import (
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/agent-runner/internal/tui/watch"
)

const tokenEnv = "AGENT_RUNNER_TOKEN"

func newWatchCmd() *cobra.Command {
	var (
		apiURL string
		token  string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of executions, queue and events",
		Long: "Follows a running service through /events and /healthz.\n" +
			"The token needs the executions:ro scope; it defaults to $" + tokenEnv + ".",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				token = os.Getenv(tokenEnv)
			}
			client := watch.Client{BaseURL: normalizeURL(apiURL), Token: token}
			if _, err := tea.NewProgram(watch.New(client), tea.WithAltScreen()).Run(); err != nil {
				return fmt.Errorf("watch: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "url", "http://127.0.0.1:8080", "Service base URL")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token (default $"+tokenEnv+")")
	return cmd
}

// normalizeURL accepts a bare host:port as given in api.listen.
func normalizeURL(raw string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	return raw
}
