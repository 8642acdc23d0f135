package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk_mcp "github.com/mark3labs/mcp-go/mcp"
)

// clientName/clientVersion identify this process during the MCP initialize
// handshake.
const (
	clientName    = "mcp-connection-supervisor"
	clientVersion = "1.0.0"
)

// ToolInfo captures the metadata of one tool as reported by list_tools.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Connection is a scoped wrapper binding one transport to one MCP session
// (spec.md §3, §4.2). A Connection is opened by exactly one Runner and never
// shared between Runners; listTools/callTool are only valid between a
// successful open and close.
type Connection struct {
	server string
	cli    sessionClient
}

// openConnection performs the scoped-acquisition sequence: build the
// transport client, Start it if the transport requires it, then Initialize.
// Any failure partway through releases whatever was already acquired before
// returning, so a failed open leaves no resources behind (spec.md §4.2
// invariant).
func openConnection(ctx context.Context, cfg ServerConfig) (*Connection, error) {
	cli, err := newSessionClientFn(cfg)
	if err != nil {
		return nil, err
	}

	if needsExplicitStart(cfg) {
		if err := cli.Start(ctx); err != nil {
			_ = cli.Close()
			return nil, &TransportError{Server: cfg.Name, Op: "start transport", Err: err}
		}
	}

	initReq := sdk_mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = sdk_mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = sdk_mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}

	if _, err := cli.Initialize(ctx, initReq); err != nil {
		_ = cli.Close()
		return nil, &ProtocolError{Server: cfg.Name, Op: "initialize", Err: err}
	}

	return &Connection{server: cfg.Name, cli: cli}, nil
}

// ListTools returns the tools the server currently exposes. Pure read; no
// retries are attempted at this layer (spec.md §4.2).
func (c *Connection) ListTools(ctx context.Context) ([]ToolInfo, error) {
	result, err := c.cli.ListTools(ctx, sdk_mcp.ListToolsRequest{})
	if err != nil {
		return nil, &TransportError{Server: c.server, Op: "list_tools", Err: err}
	}

	tools := make([]ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage("{}")
		}
		tools = append(tools, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// CallTool invokes the named remote tool and returns its concatenated text
// content. A remote-reported failure (IsError) surfaces as
// ToolExecutionError; a request-level failure surfaces as TransportError.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	req := sdk_mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := c.cli.CallTool(ctx, req)
	if err != nil {
		return "", &TransportError{Server: c.server, Op: fmt.Sprintf("call_tool %q", name), Err: err}
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(sdk_mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		return "", &ToolExecutionError{Server: c.server, Tool: name, Msg: text}
	}
	return text, nil
}

// Close releases the session and transport. Safe to call more than once.
func (c *Connection) Close() error {
	if c == nil || c.cli == nil {
		return nil
	}
	return c.cli.Close()
}
