package mcp

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pocketomega/pocket-omega/internal/tool"
)

// adaptorFactoryFn builds a per-server ArgumentAdaptor on demand.
type adaptorFactoryFn func(cfg ServerConfig) ArgumentAdaptor

// Manager is the MCP Connection Supervisor of spec.md §5: it owns one Runner
// per configured server and serializes every structural change (add, remove,
// reconnect bookkeeping) through a single actor-loop goroutine, so the
// "supervisor execution context" of spec.md §5 never needs goroutine-identity
// checks — there is only ever one goroutine touching runners/waiters.
type Manager struct {
	registry *tool.Registry

	cmdCh  chan func()
	stopCh chan struct{}
	doneCh chan struct{}
	closed atomic.Bool

	// Owned exclusively by the loop goroutine. Every read or write outside
	// loop() must go through submit or a closure sent on cmdCh.
	runners map[string]*Runner
	cancels map[string]context.CancelFunc
	waiters map[string][]*WaitHandle

	// knownNames lets RequestReconnect reject an unknown server name without
	// round-tripping through the loop (spec.md §5 law L2).
	knownNames atomic.Pointer[map[string]struct{}]

	adaptorFactory atomic.Pointer[adaptorFactoryFn]

	// openFn, when set, overrides every Runner's connection-opening hook.
	// Exists purely so manager_test.go can drive the state machine without a
	// real transport; production code never sets it.
	openFn openFunc
	// sleepFn, when set, overrides every Runner's retry/backoff wait.
	sleepFn sleepFunc
}

// NewManager creates a Supervisor that publishes tools into registry.
func NewManager(registry *tool.Registry) *Manager {
	m := &Manager{
		registry: registry,
		cmdCh:    make(chan func(), 64),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		runners:  make(map[string]*Runner),
		cancels:  make(map[string]context.CancelFunc),
		waiters:  make(map[string][]*WaitHandle),
	}
	empty := map[string]struct{}{}
	m.knownNames.Store(&empty)
	go m.loop()
	return m
}

func (m *Manager) loop() {
	defer close(m.doneCh)
	for {
		select {
		case fn := <-m.cmdCh:
			fn()
		case <-m.stopCh:
			return
		}
	}
}

// submit runs fn on the loop goroutine and blocks until it returns. A no-op
// once the Supervisor is closed.
func (m *Manager) submit(fn func()) {
	if m.closed.Load() {
		return
	}
	done := make(chan struct{})
	m.cmdCh <- func() { fn(); close(done) }
	<-done
}

func (m *Manager) refreshKnownNames() {
	names := make(map[string]struct{}, len(m.runners))
	for name := range m.runners {
		names[name] = struct{}{}
	}
	m.knownNames.Store(&names)
}

// AddServer validates cfg, spawns its Runner, and blocks until the first
// connect attempt concludes — successfully (tools published) or terminally
// (retries exhausted). It returns the first-connect error, if any, so the
// caller learns synchronously whether the server came up (spec.md §4.1, §5).
func (m *Manager) AddServer(ctx context.Context, cfg ServerConfig) error {
	if m.closed.Load() {
		return ErrCancelled
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	if err := scanStdioServer(cfg); err != nil {
		return err
	}

	runner := newRunner(cfg.Name, cfg, m)
	if m.openFn != nil {
		runner.open = m.openFn
	}
	if m.sleepFn != nil {
		runner.sleep = m.sleepFn
	}
	runCtx, cancel := context.WithCancel(context.Background())

	conflict := make(chan error, 1)
	m.submit(func() {
		if _, exists := m.runners[cfg.Name]; exists {
			conflict <- &ConfigError{Server: cfg.Name, Msg: "server already registered"}
			return
		}
		m.runners[cfg.Name] = runner
		m.cancels[cfg.Name] = cancel
		m.refreshKnownNames()
		conflict <- nil
	})
	if err := <-conflict; err != nil {
		cancel()
		return err
	}

	go runner.run(runCtx)

	select {
	case <-runner.Ready():
	case <-ctx.Done():
		// The caller stopped waiting; the Runner keeps retrying in the
		// background exactly as it would for a caller that's still waiting.
		return ctx.Err()
	}

	if err := runner.StartError(); err != nil {
		m.submit(func() {
			delete(m.runners, cfg.Name)
			delete(m.cancels, cfg.Name)
			m.refreshKnownNames()
		})
		cancel()
		return err
	}
	return nil
}

// RemoveServer stops a server's Runner, releases any pending reconnect
// waiters for it (invariant I3), and unregisters its tools.
func (m *Manager) RemoveServer(name string) error {
	if m.closed.Load() {
		return ErrCancelled
	}
	return m.removeServer(name)
}

// removeServer is RemoveServer's implementation, factored out so Cleanup can
// drive it directly once m.closed is already true (Cleanup's own shutdown
// path, unlike every other caller, runs after that flag flips).
func (m *Manager) removeServer(name string) error {
	var r *Runner
	var cancel context.CancelFunc
	var waiters []*WaitHandle
	done := make(chan struct{})
	m.cmdCh <- func() {
		r = m.runners[name]
		if r != nil {
			cancel = m.cancels[name]
			waiters = m.waiters[name]
			delete(m.runners, name)
			delete(m.cancels, name)
			delete(m.waiters, name)
			m.refreshKnownNames()
		}
		close(done)
	}
	<-done
	if r == nil {
		return &ConfigError{Server: name, Msg: "server not registered"}
	}

	r.RequestStop()
	<-r.Done()
	if cancel != nil {
		cancel()
	}
	for _, w := range waiters {
		w.fire()
	}
	for _, toolName := range r.ToolNames() {
		m.registry.Unregister(toolName)
	}
	log.Printf("[MCP] %s: removed", name)
	return nil
}

// RequestReconnect asks the named server's Runner to reconnect and returns a
// handle that resolves once that Runner next exits Connecting. Unknown
// servers and a closed Supervisor both get a pre-signaled handle (spec.md §5
// law L2) rather than an error — reconnection is advisory, never load-bearing
// for correctness.
func (m *Manager) RequestReconnect(server string) *WaitHandle {
	if m.closed.Load() {
		return signaledWaitHandle()
	}
	names := m.knownNames.Load()
	if names == nil {
		return signaledWaitHandle()
	}
	if _, ok := (*names)[server]; !ok {
		return signaledWaitHandle()
	}

	wh := newWaitHandle()
	m.cmdCh <- func() {
		r, exists := m.runners[server]
		if !exists {
			wh.fire()
			return
		}
		m.waiters[server] = append(m.waiters[server], wh)
		r.RequestReconnect()
	}
	return wh
}

// runnerConnectDone drains and fires every pending reconnect waiter for
// server. Called by a Runner goroutine on every exit from Connecting
// (success, terminal first-connect failure, or stop) — invariant I3.
func (m *Manager) runnerConnectDone(server string) {
	if m.closed.Load() {
		return
	}
	m.cmdCh <- func() {
		ws := m.waiters[server]
		delete(m.waiters, server)
		for _, w := range ws {
			w.fire()
		}
	}
}

// registerProxy publishes p into the Tool Registry under its prefixed name,
// rejecting a name collision (the registry contract spec.md §3 requires).
func (m *Manager) registerProxy(_ string, p *ToolProxy) error {
	return m.registry.RegisterStrict(p)
}

// SetArgumentAdaptorFactory installs the factory AddServer consults for
// servers configured with UseArgumentAdaptor (spec.md §3's "adapter-factory
// flag"). Safe to call at any time; takes effect for servers added afterward.
func (m *Manager) SetArgumentAdaptorFactory(f func(cfg ServerConfig) ArgumentAdaptor) {
	fn := adaptorFactoryFn(f)
	m.adaptorFactory.Store(&fn)
}

func (m *Manager) argumentAdaptorFor(cfg ServerConfig) ArgumentAdaptor {
	if !cfg.UseArgumentAdaptor {
		return nil
	}
	p := m.adaptorFactory.Load()
	if p == nil {
		return nil
	}
	return (*p)(cfg)
}

// ServerNames returns the names of every currently registered server, sorted.
func (m *Manager) ServerNames() []string {
	var out []string
	m.submit(func() {
		out = make([]string, 0, len(m.runners))
		for name := range m.runners {
			out = append(out, name)
		}
	})
	sort.Strings(out)
	return out
}

// ToolsForServer returns the prefixed tool names a given server has
// published, or nil if the server is unknown.
func (m *Manager) ToolsForServer(server string) []string {
	var names []string
	m.submit(func() {
		if r, ok := m.runners[server]; ok {
			names = r.ToolNames()
		}
	})
	return names
}

// Cleanup is spec.md §4.4's cleanup operation: it removes every registered
// server exactly as RemoveServer would (stopping its Runner, releasing its
// waiters, unregistering its tools) and only then tears down the actor loop.
// Per invariant I5, cleanup leaves the Registry and every internal map empty
// iff it reports success; a per-server removal failure is logged and does
// not abort the sweep, matching §4.4's "best-effort over every server".
// Idempotent.
func (m *Manager) Cleanup() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	var names []string
	done := make(chan struct{})
	m.cmdCh <- func() {
		names = make([]string, 0, len(m.runners))
		for name := range m.runners {
			names = append(names, name)
		}
		close(done)
	}
	<-done

	for _, name := range names {
		if err := m.removeServer(name); err != nil {
			log.Printf("[MCP] cleanup: remove %s: %v", name, err)
		}
	}

	close(m.stopCh)
	<-m.doneCh
	return nil
}

// Close is an alias for Cleanup, matching the Go idiom of naming a teardown
// method Close while keeping spec.md §4.4's cleanup semantics intact.
func (m *Manager) Close() error {
	return m.Cleanup()
}

// scanStdioServer runs the static security scanner (scanner.go) over any
// Python script argument of a stdio server before its Runner ever spawns it.
// A critical finding blocks AddServer outright; warnings are logged only.
// Non-stdio servers, and stdio servers with no .py argument, are untouched.
func scanStdioServer(cfg ServerConfig) error {
	kind, err := normalizeTransport(cfg.Transport)
	if err != nil || kind != TransportStdio {
		return nil
	}
	for _, arg := range cfg.Args {
		if !strings.HasSuffix(arg, ".py") {
			continue
		}
		findings, err := ScanScript(arg)
		if err != nil {
			log.Printf("[MCP/Scanner] %s: %v", cfg.Name, err)
			continue
		}
		if len(findings) == 0 {
			continue
		}
		LogFindings(cfg.Name, findings)
		if HasCritical(findings) {
			return &ConfigError{Server: cfg.Name, Msg: "script " + arg + " failed security scan"}
		}
	}
	return nil
}
