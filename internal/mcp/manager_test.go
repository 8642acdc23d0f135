package mcp

import (
	"context"
	"errors"
	"testing"
	"time"

	sdk_mcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/pocketomega/pocket-omega/internal/tool"
)

func fastManager(registry *tool.Registry) *Manager {
	m := NewManager(registry)
	m.sleepFn = noopSleep
	return m
}

func TestManagerAddServerPublishesTools(t *testing.T) {
	registry := tool.NewRegistry()
	m := fastManager(registry)
	defer m.Close()

	fake := &fakeSessionClient{tools: []sdk_mcp.Tool{{Name: "read_file"}}}
	m.openFn = func(ctx context.Context, cfg ServerConfig) (*Connection, error) {
		return &Connection{server: cfg.Name, cli: fake}, nil
	}

	if err := m.AddServer(context.Background(), ServerConfig{Name: "files", Transport: "stdio", Command: "true"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := registry.Get("files_read_file"); !ok {
		t.Fatal("expected files_read_file to be registered")
	}
	names := m.ServerNames()
	if len(names) != 1 || names[0] != "files" {
		t.Fatalf("unexpected server names: %v", names)
	}
}

func TestManagerAddServerSurfacesFirstConnectFailure(t *testing.T) {
	registry := tool.NewRegistry()
	m := fastManager(registry)
	defer m.Close()

	m.openFn = func(ctx context.Context, cfg ServerConfig) (*Connection, error) {
		return nil, &TransportError{Server: cfg.Name, Op: "dial", Err: errors.New("refused")}
	}

	err := m.AddServer(context.Background(), ServerConfig{Name: "flaky", Transport: "stdio", Command: "true"})
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
	if len(m.ServerNames()) != 0 {
		t.Fatal("a server that never connected should not be tracked")
	}
}

func TestManagerAddServerRejectsDuplicateName(t *testing.T) {
	registry := tool.NewRegistry()
	m := fastManager(registry)
	defer m.Close()

	fake := &fakeSessionClient{}
	m.openFn = func(ctx context.Context, cfg ServerConfig) (*Connection, error) {
		return &Connection{server: cfg.Name, cli: fake}, nil
	}
	cfg := ServerConfig{Name: "files", Transport: "stdio", Command: "true"}
	if err := m.AddServer(context.Background(), cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := m.AddServer(context.Background(), cfg)
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *ConfigError for duplicate, got %T: %v", err, err)
	}
}

func TestManagerRemoveServerReleasesToolsAndWaiters(t *testing.T) {
	registry := tool.NewRegistry()
	m := fastManager(registry)
	defer m.Close()

	fake := &fakeSessionClient{tools: []sdk_mcp.Tool{{Name: "read_file"}}}
	m.openFn = func(ctx context.Context, cfg ServerConfig) (*Connection, error) {
		return &Connection{server: cfg.Name, cli: fake}, nil
	}
	if err := m.AddServer(context.Background(), ServerConfig{Name: "files", Transport: "stdio", Command: "true"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waiter := m.RequestReconnect("files")

	if err := m.RemoveServer("files"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := waiter.Wait(waitCtx); err != nil {
		t.Fatalf("expected reconnect waiter to be released on remove, got %v", err)
	}

	if _, ok := registry.Get("files_read_file"); ok {
		t.Fatal("expected files_read_file to be unregistered")
	}
	if len(m.ServerNames()) != 0 {
		t.Fatal("expected no servers after removal")
	}
}

func TestManagerRequestReconnectForUnknownServerIsPresignaled(t *testing.T) {
	registry := tool.NewRegistry()
	m := fastManager(registry)
	defer m.Close()

	h := m.RequestReconnect("does-not-exist")
	if !h.Done() {
		t.Fatal("expected a pre-signaled handle for an unknown server")
	}
}

func TestManagerRequestReconnectDrivesRunnerReconnect(t *testing.T) {
	registry := tool.NewRegistry()
	m := fastManager(registry)
	defer m.Close()

	fake1 := &fakeSessionClient{tools: []sdk_mcp.Tool{{Name: "t"}}}
	fake2 := &fakeSessionClient{tools: []sdk_mcp.Tool{{Name: "t"}}}
	attempts := 0
	m.openFn = func(ctx context.Context, cfg ServerConfig) (*Connection, error) {
		attempts++
		if attempts == 1 {
			return &Connection{server: cfg.Name, cli: fake1}, nil
		}
		return &Connection{server: cfg.Name, cli: fake2}, nil
	}

	if err := m.AddServer(context.Background(), ServerConfig{Name: "files", Transport: "stdio", Command: "true"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	handle := m.RequestReconnect("files")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := handle.Wait(ctx); err != nil {
		t.Fatalf("expected reconnect to settle, got %v", err)
	}
	if attempts < 2 {
		t.Fatalf("expected a second connect attempt, got %d", attempts)
	}
}

func TestManagerCloseStopsAllRunners(t *testing.T) {
	registry := tool.NewRegistry()
	m := fastManager(registry)

	fake := &fakeSessionClient{}
	m.openFn = func(ctx context.Context, cfg ServerConfig) (*Connection, error) {
		return &Connection{server: cfg.Name, cli: fake}, nil
	}
	if err := m.AddServer(context.Background(), ServerConfig{Name: "files", Transport: "stdio", Command: "true"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fake.closed {
		t.Fatal("expected underlying client to be closed on shutdown")
	}
	if err := m.AddServer(context.Background(), ServerConfig{Name: "late", Transport: "stdio", Command: "true"}); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled after Close, got %v", err)
	}
}

// TestManagerCleanupEmptiesRegistryAndState covers invariant I5 and the
// end-to-end "cleanup" scenario: a successful Cleanup must unregister every
// server's tools from the Registry and leave no trace of any server in the
// Supervisor's own bookkeeping, not merely stop each Runner's connection.
func TestManagerCleanupEmptiesRegistryAndState(t *testing.T) {
	registry := tool.NewRegistry()
	m := fastManager(registry)

	fake1 := &fakeSessionClient{tools: []sdk_mcp.Tool{{Name: "read_file"}}}
	fake2 := &fakeSessionClient{tools: []sdk_mcp.Tool{{Name: "search"}}}
	m.openFn = func(ctx context.Context, cfg ServerConfig) (*Connection, error) {
		if cfg.Name == "files" {
			return &Connection{server: cfg.Name, cli: fake1}, nil
		}
		return &Connection{server: cfg.Name, cli: fake2}, nil
	}
	if err := m.AddServer(context.Background(), ServerConfig{Name: "files", Transport: "stdio", Command: "true"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.AddServer(context.Background(), ServerConfig{Name: "web", Transport: "stdio", Command: "true"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.Cleanup(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !fake1.closed || !fake2.closed {
		t.Fatal("expected every underlying client to be closed")
	}
	if _, ok := registry.Get("files_read_file"); ok {
		t.Fatal("expected files_read_file to be unregistered after cleanup")
	}
	if _, ok := registry.Get("web_search"); ok {
		t.Fatal("expected web_search to be unregistered after cleanup")
	}
	if len(registry.List()) != 0 {
		t.Fatalf("expected an empty registry after cleanup, got %v", registry.List())
	}
	if names := m.ServerNames(); len(names) != 0 {
		t.Fatalf("expected no servers after cleanup, got %v", names)
	}
}

func TestManagerStats(t *testing.T) {
	registry := tool.NewRegistry()
	m := fastManager(registry)
	defer m.Close()

	fake := &fakeSessionClient{tools: []sdk_mcp.Tool{{Name: "read_file"}, {Name: "write_file"}}}
	m.openFn = func(ctx context.Context, cfg ServerConfig) (*Connection, error) {
		return &Connection{server: cfg.Name, cli: fake}, nil
	}
	if err := m.AddServer(context.Background(), ServerConfig{Name: "files", Transport: "stdio", Command: "true"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := m.Stats()
	if stats.TotalServers != 1 || stats.TotalTools != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Servers["files"].ToolCount != 2 {
		t.Fatalf("unexpected per-server stats: %+v", stats.Servers["files"])
	}
	if stats.Servers["files"].Tools["files_read_file"].RemoteName != "read_file" {
		t.Fatalf("unexpected proxy stats: %+v", stats.Servers["files"].Tools["files_read_file"])
	}
}
