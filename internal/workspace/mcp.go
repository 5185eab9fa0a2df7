package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type mcpDescriptor struct {
	MCPServers map[string]json.RawMessage `json:"mcpServers"`
}

// LoadMCPServers reads the project MCP descriptor in dir.
// A missing descriptor yields an empty map and no error.
func (m *Manager) LoadMCPServers(dir string) (map[string]json.RawMessage, error) {
	return loadMCPServers(filepath.Join(dir, m.cfg.MCPFile))
}

func loadMCPServers(path string) (map[string]json.RawMessage, error) {
	servers := make(map[string]json.RawMessage)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return servers, nil
	}
	if err != nil {
		return servers, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	var desc mcpDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return servers, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	for name, spec := range desc.MCPServers {
		servers[name] = spec
	}
	return servers, nil
}
