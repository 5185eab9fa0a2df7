package config

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const redacted = "********"

// Redacted returns a copy of c with bearer tokens, the callback secret and
// provider env values masked.
func (c *Config) Redacted() *Config {
	out := *c
	if out.API.Auth.APIKey != "" {
		out.API.Auth.APIKey = redacted
	}
	if len(c.API.Auth.Tokens) > 0 {
		out.API.Auth.Tokens = make([]APIToken, len(c.API.Auth.Tokens))
		for i, t := range c.API.Auth.Tokens {
			out.API.Auth.Tokens[i] = APIToken{Name: t.Name, Token: redacted, Scopes: t.Scopes}
		}
	}
	if out.Callback.Secret != "" {
		out.Callback.Secret = redacted
	}
	if len(c.Providers.Entries) > 0 {
		out.Providers.Entries = make(map[string]ProviderConf, len(c.Providers.Entries))
		for name, p := range c.Providers.Entries {
			if len(p.Env) > 0 {
				env := make(map[string]string, len(p.Env))
				for k := range p.Env {
					env[k] = redacted
				}
				p.Env = env
			}
			out.Providers.Entries[name] = p
		}
	}
	return &out
}

// GetPath retrieves a value from the redacted configuration using a
// dot-notation path ("service.max_concurrent"). "provider:<name>" addresses a
// provider entry and "provider:*" lists provider names.
func (c *Config) GetPath(path string) (any, error) {
	if strings.Contains(path, ":") {
		return c.getEntity(path)
	}

	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return getValue(m, path)
}

func (c *Config) getEntity(address string) (any, error) {
	entityType, name, _ := strings.Cut(address, ":")
	switch entityType {
	case "provider":
		entries := c.Redacted().Providers.Entries
		if name == "*" {
			names := make([]string, 0, len(entries))
			for n := range entries {
				names = append(names, n)
			}
			sort.Strings(names)
			return names, nil
		}
		p, ok := entries[name]
		if !ok {
			return nil, fmt.Errorf("provider %q not found", name)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported entity type %q", entityType)
	}
}

func getValue(m map[string]any, path string) (any, error) {
	parts := strings.Split(path, ".")
	var current any = m

	for _, part := range parts {
		if part == "" {
			continue
		}

		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}

		val, exists := m[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}

	return current, nil
}
