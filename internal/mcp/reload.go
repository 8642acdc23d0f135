package mcp

import (
	"context"
	"fmt"
	"log"
)

// ReloadResult summarizes what a ReloadFromFile call changed.
type ReloadResult struct {
	Added   []string
	Removed []string
	Failed  map[string]error // server name -> AddServer error, for servers that failed to (re)join
}

// ReloadFromFile re-reads a static config file and reconciles the Supervisor
// against it: servers no longer present are removed, new servers are added,
// and servers present in both are left untouched — a reconnect, not a
// restart, is the right tool for refreshing an existing server's connection.
// Built on top of AddServer/RemoveServer, matching the diff-then-apply shape
// of the teacher's original hot-reload tool.
func (m *Manager) ReloadFromFile(ctx context.Context, path string) (ReloadResult, error) {
	configs, err := LoadServerConfigFile(path)
	if err != nil {
		return ReloadResult{}, fmt.Errorf("mcp: reload from %q: %w", path, err)
	}

	desired := make(map[string]ServerConfig, len(configs))
	for _, cfg := range configs {
		desired[cfg.Name] = cfg
	}
	current := make(map[string]struct{})
	for _, name := range m.ServerNames() {
		current[name] = struct{}{}
	}

	result := ReloadResult{Failed: make(map[string]error)}

	for name := range current {
		if _, keep := desired[name]; !keep {
			if err := m.RemoveServer(name); err != nil {
				log.Printf("[MCP] reload: remove %s: %v", name, err)
				continue
			}
			result.Removed = append(result.Removed, name)
		}
	}

	for name, cfg := range desired {
		if _, already := current[name]; already {
			continue
		}
		if err := m.AddServer(ctx, cfg); err != nil {
			result.Failed[name] = err
			continue
		}
		result.Added = append(result.Added, name)
	}

	log.Printf("[MCP] reload: %d added, %d removed, %d failed", len(result.Added), len(result.Removed), len(result.Failed))
	return result, nil
}
