package mcp

import (
	"encoding/json"
	"fmt"
	"os"
)

// TransportKind identifies one of the three supported MCP transports.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportSSE   TransportKind = "sse"
	TransportHTTP  TransportKind = "http"
)

// normalizeTransport accepts the aliases spec.md §6 lists for the
// streamable-HTTP transport ("http", "streamable_http", "streamable-http")
// and maps all of them onto TransportHTTP.
func normalizeTransport(raw string) (TransportKind, error) {
	switch raw {
	case "stdio":
		return TransportStdio, nil
	case "sse":
		return TransportSSE, nil
	case "http", "streamable_http", "streamable-http":
		return TransportHTTP, nil
	default:
		return "", fmt.Errorf("unknown transport %q", raw)
	}
}

// ServerConfig describes a single MCP server, as accepted by Manager.AddServer
// (spec.md §3, §6). Name is never taken from JSON — it is always supplied by
// the caller (the map key, when loaded from a config file).
type ServerConfig struct {
	Name      string
	Transport string // "stdio" | "sse" | "http" | "streamable_http" | "streamable-http"

	// stdio
	Command string
	Args    []string
	Env     []string

	// sse / http
	URL     string
	Headers map[string]string

	// IncludeTools restricts first-connect tool registration to these remote
	// tool names (spec.md §3 "optional include-list filtering tool names").
	// Nil/empty means no filtering.
	IncludeTools []string

	// UseArgumentAdaptor requests one ArgumentAdaptor from the Supervisor's
	// registered factory for this server; every tool of the server shares it
	// and applies it to each call's arguments (spec.md §3 "optional
	// adapter-factory flag").
	UseArgumentAdaptor bool
}

func (c ServerConfig) validate() error {
	if c.Name == "" {
		return &ConfigError{Msg: "server name is required"}
	}
	kind, err := normalizeTransport(c.Transport)
	if err != nil {
		return &ConfigError{Server: c.Name, Msg: err.Error()}
	}
	switch kind {
	case TransportStdio:
		if c.Command == "" {
			return &ConfigError{Server: c.Name, Msg: "command is required for stdio transport"}
		}
	case TransportSSE, TransportHTTP:
		if c.URL == "" {
			return &ConfigError{Server: c.Name, Msg: "url is required for " + c.Transport + " transport"}
		}
	}
	return nil
}

// includeFilterSet returns IncludeTools as a set, or nil when unset.
func (c ServerConfig) includeFilterSet() map[string]struct{} {
	if len(c.IncludeTools) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(c.IncludeTools))
	for _, name := range c.IncludeTools {
		set[name] = struct{}{}
	}
	return set
}

// serverConfigFile mirrors the top-level shape of a static mcp.json-style
// config file: a map of server name to its (name-less) JSON body.
type serverConfigFile struct {
	MCPServers map[string]serverConfigEntry `json:"mcpServers"`
}

type serverConfigEntry struct {
	Transport          string            `json:"transport"`
	Command            string            `json:"command,omitempty"`
	Args               []string          `json:"args,omitempty"`
	Env                []string          `json:"env,omitempty"`
	URL                string            `json:"url,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
	IncludeTools       []string          `json:"includeTools,omitempty"`
	UseArgumentAdaptor bool              `json:"useArgumentAdaptor,omitempty"`
}

// LoadServerConfigFile reads a static mcp.json-shaped file into a slice of
// ServerConfig, with Name populated from each entry's map key. This is an
// external-collaborator convenience (server discovery itself is out of scope
// per spec.md §1) used by cmd/mcpsupervisor to seed the Supervisor at
// startup and by ReloadFromFile to diff against.
func LoadServerConfigFile(path string) ([]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mcp: read config %q: %w", path, err)
	}
	var file serverConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("mcp: parse config %q: %w", path, err)
	}
	out := make([]ServerConfig, 0, len(file.MCPServers))
	for name, entry := range file.MCPServers {
		out = append(out, ServerConfig{
			Name:               name,
			Transport:          entry.Transport,
			Command:            entry.Command,
			Args:               entry.Args,
			Env:                entry.Env,
			URL:                entry.URL,
			Headers:            entry.Headers,
			IncludeTools:       entry.IncludeTools,
			UseArgumentAdaptor: entry.UseArgumentAdaptor,
		})
	}
	return out, nil
}
