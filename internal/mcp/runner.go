package mcp

import (
	"context"
	"log"
	"sync"
	"time"
)

// Retry/backoff constants, expressed as part of the contract rather than
// configuration, per spec.md §9.
const (
	maxConnectAttempts = 3
	retrySpacing       = 2 * time.Second
	reconnectBackoff   = 5 * time.Second
)

// openFunc is the scoped-acquisition hook a Runner uses to establish a
// Connection. It defaults to openConnection; tests substitute a fake so the
// state machine can be exercised without a real transport.
type openFunc func(ctx context.Context, cfg ServerConfig) (*Connection, error)

// sleepFunc waits for d, or returns early (reporting false) if ctx is done or
// stopWait fires first. Tests substitute a fast fake to avoid real sleeps.
type sleepFunc func(ctx context.Context, stopWait <-chan struct{}, d time.Duration) bool

func defaultSleep(ctx context.Context, stopWait <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-stopWait:
		return false
	}
}

// runnerHost is the slice of Manager a Runner needs, narrowed for testability
// (runner_test.go supplies a fake).
type runnerHost interface {
	registerProxy(server string, p *ToolProxy) error
	argumentAdaptorFor(cfg ServerConfig) ArgumentAdaptor
	runnerConnectDone(server string)
	RequestReconnect(server string) *WaitHandle
}

// Runner is the per-server supervisory task of spec.md §4.3: first-connect +
// tool publication, a wait loop for stop/reconnect, and retry-with-backoff on
// failure.
type Runner struct {
	name string
	cfg  ServerConfig
	host runnerHost

	stop      *latch
	ready     *latch
	reconnect *latch

	open  openFunc
	sleep sleepFunc

	mu          sync.Mutex
	proxies     []*ToolProxy
	firstFailed error // non-nil iff first-connect exhausted retries

	done chan struct{}
}

func newRunner(name string, cfg ServerConfig, host runnerHost) *Runner {
	return &Runner{
		name:      name,
		cfg:       cfg,
		host:      host,
		stop:      newLatch(),
		ready:     newLatch(),
		reconnect: newLatch(),
		open:      openConnection,
		sleep:     defaultSleep,
		done:      make(chan struct{}),
	}
}

// RequestStop fires the stop latch; the Runner goroutine observes it and
// terminates, closing its current Connection on the way out.
func (r *Runner) RequestStop() { r.stop.Fire() }

// RequestReconnect fires the reconnect latch, waking a Serving Runner.
func (r *Runner) RequestReconnect() { r.reconnect.Fire() }

// Ready returns a channel closed once the first connect attempt has
// concluded, successfully or not. AddServer blocks on this.
func (r *Runner) Ready() <-chan struct{} { return r.ready.Wait() }

// Done returns a channel closed once the Runner goroutine has exited.
func (r *Runner) Done() <-chan struct{} { return r.done }

// StartError returns the error that made first-connect fail, or nil if
// first-connect succeeded (or hasn't been attempted yet).
func (r *Runner) StartError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firstFailed
}

// ToolNames returns the prefixed names of every tool this server's first
// connect registered. Stable across reconnects (patching never adds/removes
// entries, per spec.md §4.3).
func (r *Runner) ToolNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.proxies))
	for i, p := range r.proxies {
		names[i] = p.Name()
	}
	return names
}

// run is the Runner's state machine: Connecting → Serving → (Backoff →)
// Connecting → ... → Stopped. It must run on its own goroutine; Manager
// starts it from AddServer.
func (r *Runner) run(ctx context.Context) {
	defer close(r.done)

	firstConnect := true
	var conn *Connection

	for {
		if r.stop.Done() {
			r.closeAndStop(conn)
			return
		}

		r.reconnect.Reset() // "reconnect is auto-reset at the top of each Runner iteration" (spec.md §9)

		newConn, tools, err := r.connectWithRetry(ctx)
		if err != nil {
			if firstConnect {
				r.mu.Lock()
				r.firstFailed = err
				r.mu.Unlock()
				log.Printf("[MCP/Runner] %s: first connect failed after %d attempts: %v", r.name, maxConnectAttempts, err)
				r.host.runnerConnectDone(r.name)
				r.ready.Fire()
				return
			}
			log.Printf("[MCP/Runner] %s: reconnect failed after %d attempts, backing off %s: %v", r.name, maxConnectAttempts, reconnectBackoff, err)
			if !r.sleep(ctx, r.stop.Wait(), reconnectBackoff) {
				r.closeAndStop(conn)
				return
			}
			continue
		}

		conn = newConn
		if firstConnect {
			r.publish(tools, conn)
			firstConnect = false
			log.Printf("[MCP/Runner] %s: connected, %d tool(s) published", r.name, len(tools))
		} else {
			r.patch(conn)
			log.Printf("[MCP/Runner] %s: reconnected, %d tool(s) seen", r.name, len(tools))
		}

		r.ready.Fire()
		r.host.runnerConnectDone(r.name)

		stopWait := r.stop.Wait()
		reconWait := r.reconnect.Wait()
		select {
		case <-stopWait:
			r.closeAndStop(conn)
			return
		case <-reconWait:
			if r.stop.Done() { // stop dominates when both fire before the select resolves
				r.closeAndStop(conn)
				return
			}
			_ = conn.Close()
			conn = nil
			// loop back into Connecting
		}
	}
}

// connectWithRetry attempts up to maxConnectAttempts opens, spaced by
// retrySpacing, and folds in the first list_tools call as part of a
// successful attempt (a server that opens but won't list its tools is not
// usably connected).
func (r *Runner) connectWithRetry(ctx context.Context) (*Connection, []ToolInfo, error) {
	var lastErr error
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		if r.stop.Done() {
			return nil, nil, ErrCancelled
		}

		conn, err := r.open(ctx, r.cfg)
		if err == nil {
			tools, lerr := conn.ListTools(ctx)
			if lerr == nil {
				return conn, tools, nil
			}
			_ = conn.Close()
			err = lerr
		}
		lastErr = err

		if !isRetriable(err) {
			return nil, nil, err
		}
		if attempt < maxConnectAttempts {
			log.Printf("[MCP/Runner] %s: connect attempt %d/%d failed, retrying in %s: %v", r.name, attempt, maxConnectAttempts, retrySpacing, err)
			if !r.sleep(ctx, r.stop.Wait(), retrySpacing) {
				return nil, nil, ErrCancelled
			}
		}
	}
	return nil, nil, lastErr
}

// publish is the first-connect path: apply the include filter, build fresh
// Proxies, and register them in the Tool Registry.
func (r *Runner) publish(tools []ToolInfo, conn *Connection) {
	filter := r.cfg.includeFilterSet()
	adaptor := r.host.argumentAdaptorFor(r.cfg)

	proxies := make([]*ToolProxy, 0, len(tools))
	for _, ti := range tools {
		if filter != nil {
			if _, ok := filter[ti.Name]; !ok {
				continue
			}
		}
		p := newToolProxy(r.name, ti, conn, r.host, adaptor)
		if err := r.host.registerProxy(r.name, p); err != nil {
			log.Printf("[MCP/Runner] %s: register tool %q: %v", r.name, p.Name(), err)
			continue
		}
		proxies = append(proxies, p)
	}

	r.mu.Lock()
	r.proxies = proxies
	r.mu.Unlock()
}

// patch is the reconnect path: update every existing Proxy's Connection
// reference in place, preserving Proxy identity (spec.md §4.3, invariant I2).
// No Proxies are added or removed, even if the reconnected server's tool
// list has drifted (see DESIGN.md's Open Question resolution).
func (r *Runner) patch(conn *Connection) {
	r.mu.Lock()
	proxies := r.proxies
	r.mu.Unlock()

	for _, p := range proxies {
		p.patchConnection(conn)
	}
}

func (r *Runner) closeAndStop(conn *Connection) {
	if conn != nil {
		_ = conn.Close()
	}
	r.host.runnerConnectDone(r.name)
	r.ready.Fire() // no-op if already fired; covers stop-during-Connecting before first success
	log.Printf("[MCP/Runner] %s: stopped", r.name)
}
