package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pocketomega/pocket-omega/internal/tool"
)

// reconnectWaitTimeout bounds how long a Proxy waits for a reconnect it
// itself requested before giving up and retrying anyway. spec.md leaves the
// wait bound to the caller (§5); a Proxy is its own caller here.
const reconnectWaitTimeout = 30 * time.Second

// ArgumentAdaptor rewrites a tool call's arguments before it reaches the
// remote server. Grounded in original_source's per-server path→OSS-URL
// adaptor (mcp_manager.py's path_adaptor_servers/path_adaptor_factory);
// generalized here to the "optional per-call argument adaptor" of spec.md
// §4.5, so any per-server argument rewriting scheme can plug in.
type ArgumentAdaptor interface {
	Adapt(args map[string]any) map[string]any
}

// reconnectRequester is the supervisor-facing slice of Manager a Proxy needs;
// narrowed to a single method so proxy_test.go can fake it.
type reconnectRequester interface {
	RequestReconnect(server string) *WaitHandle
}

// ToolProxy is the registry-visible representation of one remote MCP tool
// (spec.md §3, §4.5). It implements internal/tool.Tool so it is
// indistinguishable from a native tool to any caller holding the registry.
type ToolProxy struct {
	server     string
	remoteName string
	desc       string
	schema     json.RawMessage
	adaptor    ArgumentAdaptor

	conn atomic.Pointer[Connection]
	sup  reconnectRequester
}

// newToolProxy creates a Proxy bound to conn. conn may be nil only in tests
// that exercise the adapter surface without a live connection.
func newToolProxy(server string, info ToolInfo, conn *Connection, sup reconnectRequester, adaptor ArgumentAdaptor) *ToolProxy {
	p := &ToolProxy{
		server:     server,
		remoteName: info.Name,
		desc:       info.Description,
		schema:     info.InputSchema,
		adaptor:    adaptor,
		sup:        sup,
	}
	p.conn.Store(conn)
	return p
}

// Name returns the prefixed name "<server>_<remote>" (spec.md §3, §4.3).
func (p *ToolProxy) Name() string {
	return p.server + "_" + p.remoteName
}

// Description returns the tool description reported by the remote server.
func (p *ToolProxy) Description() string { return p.desc }

// InputSchema returns the remote server's JSON Schema, or an empty object
// schema when the server supplied none.
func (p *ToolProxy) InputSchema() json.RawMessage {
	if len(p.schema) == 0 {
		return tool.BuildSchema()
	}
	return p.schema
}

// patchConnection swaps in the new current Connection for this proxy. Called
// only by this proxy's owning Runner, on every successful (re)connect
// (spec.md §4.3 "Reconnect policy", invariant I2).
func (p *ToolProxy) patchConnection(conn *Connection) {
	p.conn.Store(conn)
}

// Execute satisfies internal/tool.Tool: it deserializes args and delegates to
// Invoke, returning infrastructure and remote-tool errors alike as a
// ToolResult.Error so the caller never needs to branch on a Go error here
// (mirrors the teacher's MCPToolAdapter.Execute).
func (p *ToolProxy) Execute(ctx context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var params map[string]any
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &params); err != nil {
			return tool.ToolResult{Error: fmt.Sprintf("mcp proxy: parse args for %q: %v", p.Name(), err)}, nil
		}
	}

	out, err := p.Invoke(ctx, params)
	if err != nil {
		return tool.ToolResult{Error: err.Error()}, nil
	}
	return tool.ToolResult{Output: out}, nil
}

// Invoke forwards a call to the proxy's current Connection, following the
// retry policy of spec.md §4.5:
//  1. snapshot the current Connection,
//  2. call CallTool,
//  3. on TransportError, request a reconnect, wait (bounded), retry once,
//  4. on ToolExecutionError, surface immediately without retry.
func (p *ToolProxy) Invoke(ctx context.Context, args map[string]any) (string, error) {
	if p.adaptor != nil {
		args = p.adaptor.Adapt(args)
	}

	conn := p.conn.Load()
	out, err := p.callOnce(ctx, conn, args)
	if err == nil {
		return out, nil
	}
	if !isRetriable(err) {
		return "", err
	}

	waitCtx, cancel := context.WithTimeout(ctx, reconnectWaitTimeout)
	defer cancel()
	if p.sup != nil {
		handle := p.sup.RequestReconnect(p.server)
		_ = handle.Wait(waitCtx) // best-effort: retry regardless of wait outcome
	}

	conn = p.conn.Load()
	return p.callOnce(ctx, conn, args)
}

func (p *ToolProxy) callOnce(ctx context.Context, conn *Connection, args map[string]any) (string, error) {
	if conn == nil {
		return "", &TransportError{Server: p.server, Op: "call_tool", Err: fmt.Errorf("no connection established")}
	}
	return conn.CallTool(ctx, p.remoteName, args)
}

// Init satisfies internal/tool.Tool. Connection lifecycle is owned by the
// Runner; a Proxy performs no additional initialization.
func (p *ToolProxy) Init(_ context.Context) error { return nil }

// Close satisfies internal/tool.Tool. The Runner owns and closes the
// Connection; a Proxy never closes it.
func (p *ToolProxy) Close() error { return nil }
