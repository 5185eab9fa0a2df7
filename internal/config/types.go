package config

import "time"

// Config represents the complete agent-runner configuration.
type Config struct {
	Service     ServiceConfig     `yaml:"service"`
	State       StateConfig       `yaml:"state"`
	Workspace   WorkspaceConfig   `yaml:"workspace"`
	API         APIConfig         `yaml:"api,omitempty"`
	Callback    CallbackConfig    `yaml:"callback,omitempty"`
	NATS        NATSConfig        `yaml:"nats,omitempty"`
	Maintenance MaintenanceConfig `yaml:"maintenance,omitempty"`
	Providers   ProvidersConfig   `yaml:"providers"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name            string        `yaml:"name"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StateConfig defines execution history storage settings.
type StateConfig struct {
	Path             string        `yaml:"path"`
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// WorkspaceConfig defines where workspaces live and how git worktrees are prepared.
type WorkspaceConfig struct {
	// Root holds the bare repository cache (repos/) and worktrees (worktrees/).
	Root           string `yaml:"root"`
	OverlaysDir    string `yaml:"overlays_dir"`
	TempDir        string `yaml:"temp_dir,omitempty"`
	GitHost        string `yaml:"git_host"`
	CommitterName  string `yaml:"committer_name"`
	CommitterEmail string `yaml:"committer_email"`
	MCPFile        string `yaml:"mcp_file"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Listen      string        `yaml:"listen"`
	MaxBodySize string        `yaml:"max_body_size"`
	Auth        APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single admin bearer token (all scopes).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Name   string   `yaml:"name,omitempty"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// CallbackConfig defines result delivery settings.
type CallbackConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	Secret          string        `yaml:"secret,omitempty"`
	SignatureHeader string        `yaml:"signature_header,omitempty"`
}

// NATSConfig defines the optional NATS admission subscription.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Subject       string `yaml:"subject"`
	QueueGroup    string `yaml:"queue_group"`
	ClientName    string `yaml:"client_name"`
	MaxReconnects int    `yaml:"max_reconnects"`
}

// MaintenanceConfig schedules periodic history pruning and worktree sweeps.
// Both tasks also run once at boot.
type MaintenanceConfig struct {
	Interval       time.Duration `yaml:"interval"`
	Jitter         time.Duration `yaml:"jitter"`
	WorktreeMaxAge time.Duration `yaml:"worktree_max_age"`
}

// ProvidersConfig names the default provider and configures each named provider.
type ProvidersConfig struct {
	Default string                  `yaml:"default"`
	Entries map[string]ProviderConf `yaml:"entries"`
}

// ProviderConf configures a single named provider.
type ProviderConf struct {
	// Type is exec (spawn Command) or echo (return the prompt).
	Type        string            `yaml:"type"`
	Command     string            `yaml:"command,omitempty"`
	Args        []string          `yaml:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	GracePeriod time.Duration     `yaml:"grace_period,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "agent-runner",
			LogLevel:        "info",
			LogFormat:       "json",
			MaxConcurrent:   2,
			DefaultTimeout:  30 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		State: StateConfig{
			Path:             "./data/state.db",
			HistoryRetention: 30 * 24 * time.Hour,
		},
		Workspace: WorkspaceConfig{
			Root:           "./data/workspaces",
			OverlaysDir:    "./overlays",
			GitHost:        "github.com",
			CommitterName:  "agent-runner",
			CommitterEmail: "agent-runner@localhost",
			MCPFile:        ".mcp.json",
		},
		API: APIConfig{
			Enabled:     false,
			Listen:      "127.0.0.1:8080",
			MaxBodySize: "1MB",
		},
		Callback: CallbackConfig{
			Timeout:         10 * time.Second,
			SignatureHeader: "X-Signature-256",
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			Subject:       "agent-runner.execute",
			QueueGroup:    "agent-runner",
			ClientName:    "agent-runner",
			MaxReconnects: 60,
		},
		Maintenance: MaintenanceConfig{
			Interval:       time.Hour,
			Jitter:         time.Minute,
			WorktreeMaxAge: 24 * time.Hour,
		},
		Providers: ProvidersConfig{
			Default: "echo",
			Entries: map[string]ProviderConf{
				"echo": {Type: "echo"},
			},
		},
	}
}
