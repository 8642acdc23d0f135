package mcp

import "errors"

// ErrCancelled is returned by AddServer and RemoveServer once the supervisor
// has shut down, and by a Runner's connect attempt that a stop request cut
// short. A pending Invoke or reconnect wait does not receive it: a released
// wait returns nil and Invoke retries once as usual.
var ErrCancelled = errors.New("mcp: supervisor is shutting down")

// ConfigError reports a problem with a server's configuration or with an
// operation invoked in violation of the supervisor's contract (duplicate
// name, unknown transport, missing required field, wrong execution context).
type ConfigError struct {
	Server string
	Msg    string
}

func (e *ConfigError) Error() string {
	if e.Server == "" {
		return "mcp: config: " + e.Msg
	}
	return "mcp: config: server " + e.Server + ": " + e.Msg
}

// TransportError reports a failure to open, read, or write the underlying
// transport (connect failure, timeout, broken pipe). These are the errors
// the Runner retries internally.
type TransportError struct {
	Server string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return "mcp: transport: server " + e.Server + ": " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports that the MCP initialize handshake failed. Failures of
// list_tools and call_tool requests are reported as TransportError instead,
// whether or not the server responded. Treated like TransportError for retry
// purposes.
type ProtocolError struct {
	Server string
	Op     string
	Err    error
}

func (e *ProtocolError) Error() string {
	return "mcp: protocol: server " + e.Server + ": " + e.Op + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ToolExecutionError reports that a remote tool invocation completed but the
// server reported a failure result (IsError=true). Never retried.
type ToolExecutionError struct {
	Server string
	Tool   string
	Msg    string
}

func (e *ToolExecutionError) Error() string {
	return "mcp: tool execution: server " + e.Server + ": tool " + e.Tool + ": " + e.Msg
}

// isRetriable reports whether err should be retried by the Runner's
// connect/reconnect loop: TransportError and ProtocolError are, everything
// else (including ToolExecutionError and ConfigError) is not.
func isRetriable(err error) bool {
	var te *TransportError
	var pe *ProtocolError
	return errors.As(err, &te) || errors.As(err, &pe)
}
