package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates the configuration file at configPath.
// A directory is accepted and resolved to config.yaml inside it.
func Load(configPath string) (*Config, error) {
	path, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data)
}

// resolveConfigFile returns the absolute config file path; a directory
// resolves to config.yaml inside it.
func resolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// Parse decodes YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyConfigDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.MaxConcurrent == 0 {
		cfg.Service.MaxConcurrent = defaults.Service.MaxConcurrent
	}
	if cfg.Service.DefaultTimeout == 0 {
		cfg.Service.DefaultTimeout = defaults.Service.DefaultTimeout
	}
	if cfg.Service.ShutdownTimeout == 0 {
		cfg.Service.ShutdownTimeout = defaults.Service.ShutdownTimeout
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.State.HistoryRetention == 0 {
		cfg.State.HistoryRetention = defaults.State.HistoryRetention
	}

	ws := &cfg.Workspace
	if ws.Root == "" {
		ws.Root = defaults.Workspace.Root
	}
	if ws.OverlaysDir == "" {
		ws.OverlaysDir = defaults.Workspace.OverlaysDir
	}
	if ws.GitHost == "" {
		ws.GitHost = defaults.Workspace.GitHost
	}
	if ws.CommitterName == "" {
		ws.CommitterName = defaults.Workspace.CommitterName
	}
	if ws.CommitterEmail == "" {
		ws.CommitterEmail = defaults.Workspace.CommitterEmail
	}
	if ws.MCPFile == "" {
		ws.MCPFile = defaults.Workspace.MCPFile
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.API.MaxBodySize == "" {
		cfg.API.MaxBodySize = defaults.API.MaxBodySize
	}

	if cfg.Callback.Timeout == 0 {
		cfg.Callback.Timeout = defaults.Callback.Timeout
	}
	if cfg.Callback.SignatureHeader == "" {
		cfg.Callback.SignatureHeader = defaults.Callback.SignatureHeader
	}

	n := &cfg.NATS
	if n.URL == "" {
		n.URL = defaults.NATS.URL
	}
	if n.Subject == "" {
		n.Subject = defaults.NATS.Subject
	}
	if n.QueueGroup == "" {
		n.QueueGroup = defaults.NATS.QueueGroup
	}
	if n.ClientName == "" {
		n.ClientName = cfg.Service.Name
	}
	if n.MaxReconnects == 0 {
		n.MaxReconnects = defaults.NATS.MaxReconnects
	}

	mt := &cfg.Maintenance
	if mt.Interval == 0 {
		mt.Interval = defaults.Maintenance.Interval
	}
	if mt.Jitter == 0 {
		mt.Jitter = defaults.Maintenance.Jitter
	}
	if mt.WorktreeMaxAge == 0 {
		mt.WorktreeMaxAge = defaults.Maintenance.WorktreeMaxAge
	}

	if len(cfg.Providers.Entries) == 0 {
		cfg.Providers.Entries = defaults.Providers.Entries
	}
	if cfg.Providers.Default == "" {
		if len(cfg.Providers.Entries) == 1 {
			for name := range cfg.Providers.Entries {
				cfg.Providers.Default = name
			}
		} else {
			cfg.Providers.Default = defaults.Providers.Default
		}
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Leave the placeholder so validation can name the missing variable.
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.Service.MaxConcurrent < 1 {
		return fmt.Errorf("service.max_concurrent must be at least 1")
	}
	if cfg.Service.DefaultTimeout <= 0 {
		return fmt.Errorf("service.default_timeout must be positive")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.Workspace.Root == "" {
		return fmt.Errorf("workspace.root is required")
	}

	if cfg.Callback.Timeout <= 0 {
		return fmt.Errorf("callback.timeout must be positive")
	}
	if err := checkUnresolved("callback.secret", cfg.Callback.Secret); err != nil {
		return err
	}

	if cfg.API.Enabled {
		if _, err := ParseSize(cfg.API.MaxBodySize); err != nil {
			return fmt.Errorf("api.max_body_size: %w", err)
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth: api_key or tokens are required when the API is enabled")
		}
		if err := checkUnresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d].token", i)
			if tok.Token == "" {
				return fmt.Errorf("%s is required", field)
			}
			if err := checkUnresolved(field, tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	if cfg.NATS.Enabled && cfg.NATS.Subject == "" {
		return fmt.Errorf("nats.subject is required when nats is enabled")
	}

	if cfg.Maintenance.Interval < 0 || cfg.Maintenance.Jitter < 0 {
		return fmt.Errorf("maintenance.interval and maintenance.jitter must not be negative")
	}
	if cfg.Maintenance.WorktreeMaxAge < cfg.Service.DefaultTimeout {
		return fmt.Errorf("maintenance.worktree_max_age (%s) must be at least service.default_timeout (%s)",
			cfg.Maintenance.WorktreeMaxAge, cfg.Service.DefaultTimeout)
	}

	if _, ok := cfg.Providers.Entries[cfg.Providers.Default]; !ok {
		return fmt.Errorf("providers.default %q is not configured", cfg.Providers.Default)
	}
	for name, p := range cfg.Providers.Entries {
		switch p.Type {
		case "exec":
			if p.Command == "" {
				return fmt.Errorf("provider %q: command is required for exec providers", name)
			}
		case "echo":
		default:
			return fmt.Errorf("provider %q: type must be exec or echo (got %q)", name, p.Type)
		}
		for k, v := range p.Env {
			if err := checkUnresolved(fmt.Sprintf("provider %q env %s", name, k), v); err != nil {
				return err
			}
		}
	}

	return nil
}

func checkUnresolved(field, value string) error {
	if !envVarPattern.MatchString(value) {
		return nil
	}
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return fmt.Errorf("%s: unresolved environment variable", field)
}
