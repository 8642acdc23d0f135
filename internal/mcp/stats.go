package mcp

// ProxyStats is the per-tool entry of Stats, resolving spec.md §6's
// unspecified <proxy_stats> shape to the fields an operator actually needs to
// tell proxies apart at a glance: which server it forwards to and which
// remote tool name it forwards as.
type ProxyStats struct {
	Server     string `json:"server"`
	RemoteName string `json:"remote_name"`
}

// ServerStats is one entry of Stats.Servers.
type ServerStats struct {
	ToolCount int                   `json:"tool_count"`
	Tools     map[string]ProxyStats `json:"tools"`
}

// Stats is the machine-readable snapshot of spec.md §6.
type Stats struct {
	TotalServers int                    `json:"total_servers"`
	TotalTools   int                    `json:"total_tools"`
	Servers      map[string]ServerStats `json:"servers"`
}

// Stats gathers a point-in-time snapshot of every registered server and the
// tools it has published.
func (m *Manager) Stats() Stats {
	type serverSnapshot struct {
		name  string
		tools []string
	}
	var snaps []serverSnapshot
	m.submit(func() {
		snaps = make([]serverSnapshot, 0, len(m.runners))
		for name, r := range m.runners {
			snaps = append(snaps, serverSnapshot{name: name, tools: r.ToolNames()})
		}
	})

	out := Stats{Servers: make(map[string]ServerStats, len(snaps))}
	for _, s := range snaps {
		tools := make(map[string]ProxyStats, len(s.tools))
		for _, remotePrefixed := range s.tools {
			remote := remotePrefixed
			if len(s.name)+1 <= len(remotePrefixed) {
				remote = remotePrefixed[len(s.name)+1:]
			}
			tools[remotePrefixed] = ProxyStats{Server: s.name, RemoteName: remote}
		}
		out.Servers[s.name] = ServerStats{ToolCount: len(tools), Tools: tools}
		out.TotalServers++
		out.TotalTools += len(tools)
	}
	return out
}
