package mcp

import (
	"context"
	"fmt"

	sdk_client "github.com/mark3labs/mcp-go/client"
	sdk_transport "github.com/mark3labs/mcp-go/client/transport"
	sdk_mcp "github.com/mark3labs/mcp-go/mcp"
)

// sessionClient narrows github.com/mark3labs/mcp-go/client.MCPClient to the
// handful of operations this package needs. Narrowing it (rather than using
// the SDK interface directly) lets connection_test.go substitute a fake
// in-package, without a real child process, SSE endpoint, or HTTP server.
type sessionClient interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, req sdk_mcp.InitializeRequest) (*sdk_mcp.InitializeResult, error)
	ListTools(ctx context.Context, req sdk_mcp.ListToolsRequest) (*sdk_mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req sdk_mcp.CallToolRequest) (*sdk_mcp.CallToolResult, error)
	Close() error
}

// newSessionClientFn is newSessionClient through a package-level indirection
// so connection_test.go can substitute a fake client without a real
// subprocess, SSE endpoint, or HTTP server.
var newSessionClientFn = newSessionClient

// newSessionClient builds the transport-specific client for cfg. It does not
// start the transport or perform the MCP handshake — that is openConnection's
// job, so a failure partway through handshake can still reach a single Close
// call on whatever was constructed here.
func newSessionClient(cfg ServerConfig) (sessionClient, error) {
	kind, err := normalizeTransport(cfg.Transport)
	if err != nil {
		return nil, &ConfigError{Server: cfg.Name, Msg: err.Error()}
	}

	switch kind {
	case TransportStdio:
		cli, err := sdk_client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
		if err != nil {
			return nil, &TransportError{Server: cfg.Name, Op: "spawn stdio server", Err: err}
		}
		return cli, nil

	case TransportSSE:
		var opts []sdk_transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, sdk_client.WithHeaders(cfg.Headers))
		}
		cli, err := sdk_client.NewSSEMCPClient(cfg.URL, opts...)
		if err != nil {
			return nil, &TransportError{Server: cfg.Name, Op: "create SSE client", Err: err}
		}
		return cli, nil

	case TransportHTTP:
		var opts []sdk_transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, sdk_transport.WithHTTPHeaders(cfg.Headers))
		}
		cli, err := sdk_client.NewStreamableHttpClient(cfg.URL, opts...)
		if err != nil {
			return nil, &TransportError{Server: cfg.Name, Op: "create streamable HTTP client", Err: err}
		}
		return cli, nil
	}

	return nil, fmt.Errorf("mcp: unreachable transport kind %q", kind)
}

// needsExplicitStart reports whether the transport requires a Start call
// before Initialize. stdio's child process is live as soon as it is spawned;
// SSE and streamable HTTP need an explicit session-establishing round trip.
func needsExplicitStart(cfg ServerConfig) bool {
	kind, err := normalizeTransport(cfg.Transport)
	if err != nil {
		return false
	}
	return kind != TransportStdio
}
