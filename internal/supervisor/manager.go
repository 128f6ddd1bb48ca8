package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/plughost/internal/config"
	"github.com/mattjoyce/plughost/internal/credentials"
	"github.com/mattjoyce/plughost/internal/log"
	"github.com/mattjoyce/plughost/internal/plugin"
	"github.com/mattjoyce/plughost/internal/protocol"
)

// maxDispatchAttempts bounds how often a call re-evaluates server status
// (start, wait for start, retry) before giving up.
const maxDispatchAttempts = 3

// Registry supplies descriptors for plugins that have no record yet.
type Registry interface {
	Get(name string) (*plugin.Plugin, bool)
}

// Manager supervises plugin processes and multiplexes tool calls over their stdio.
type Manager struct {
	registry    Registry
	credentials credentials.Provider
	cfg         config.SupervisorConfig
	callTimeout func(plugin string) time.Duration
	environ     func() []string
	observer    Observer
	metrics     *Metrics
	logger      *slog.Logger

	mu      sync.Mutex
	records map[string]*serverRecord
}

// Option configures the Manager.
type Option func(*Manager)

// WithObserver receives lifecycle events.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// WithMetrics enables Prometheus collection.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithCallTimeouts sets a per-plugin call timeout lookup. Non-positive results
// fall back to the supervisor default.
func WithCallTimeouts(fn func(plugin string) time.Duration) Option {
	return func(m *Manager) {
		m.callTimeout = fn
	}
}

// WithEnviron replaces os.Environ as the base environment for plugins.
func WithEnviron(fn func() []string) Option {
	return func(m *Manager) {
		m.environ = fn
	}
}

// New creates a Manager. reg and creds may be nil.
func New(reg Registry, creds credentials.Provider, cfg config.SupervisorConfig, opts ...Option) *Manager {
	def := config.DefaultSupervisorConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = def.StopGrace
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = def.MaxLineBytes
	}

	m := &Manager{
		registry:    reg,
		credentials: creds,
		cfg:         cfg,
		environ:     os.Environ,
		records:     make(map[string]*serverRecord),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = log.WithComponent("supervisor")
	}
	return m
}

func (m *Manager) lookup(name string) *serverRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[name]
}

// recordFor returns the record for desc, creating it lazily. A newer
// descriptor replaces the stored one for future spawns.
func (m *Manager) recordFor(desc *plugin.Plugin) *serverRecord {
	m.mu.Lock()
	rec, ok := m.records[desc.Name]
	if !ok {
		rec = &serverRecord{
			name:   desc.Name,
			logger: m.logger.With("plugin", desc.Name),
			status: StatusStopped,
			desc:   desc,
		}
		rec.calls = newCallRegistry(desc.Name, func(n int) {
			m.metrics.pendingCalls(desc.Name, n)
		})
		m.records[desc.Name] = rec
	}
	m.mu.Unlock()

	if ok {
		rec.mu.Lock()
		rec.desc = desc
		rec.mu.Unlock()
	}
	return rec
}

// resolve finds the record or creates one from the registry.
func (m *Manager) resolve(name string) (*serverRecord, error) {
	if rec := m.lookup(name); rec != nil {
		return rec, nil
	}
	if m.registry != nil {
		if desc, ok := m.registry.Get(name); ok {
			return m.recordFor(desc), nil
		}
	}
	return nil, fmt.Errorf("plugin %q: %w", name, ErrUnknownPlugin)
}

func (m *Manager) emit(ev LifecycleEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if m.observer != nil {
		m.observer.OnLifecycle(ev)
	}
}

// StartServer ensures a process is running for desc. It returns immediately
// when already running and joins an in-progress start instead of spawning twice.
func (m *Manager) StartServer(ctx context.Context, desc *plugin.Plugin) error {
	if desc == nil {
		return fmt.Errorf("nil plugin descriptor")
	}
	return m.start(ctx, m.recordFor(desc), false)
}

// StopServer rejects pending calls, signals the process and waits for it to
// exit (bounded by ctx). Unknown or stopped servers are a no-op.
func (m *Manager) StopServer(ctx context.Context, name string) error {
	rec := m.lookup(name)
	if rec == nil {
		return nil
	}

	rec.mu.Lock()
	rec.cancelRestartLocked()
	proc := rec.proc
	if rec.status == StatusStopped && proc == nil {
		rec.mu.Unlock()
		return nil
	}
	// An in-flight start notices it no longer owns the record.
	rec.attempt = nil
	rec.proc = nil
	rec.setStatusLocked(StatusStopped, m.metrics)
	rejected := rec.calls.rejectAll(fmt.Errorf("plugin %q: %w", name, ErrServerStopped))
	rec.mu.Unlock()

	rec.logger.Info("stopping plugin", "rejected_calls", rejected)
	ev := LifecycleEvent{Plugin: name, Kind: EventStopped, Status: StatusStopped}
	if proc != nil {
		ev.PID = proc.pid
		ev.InstanceID = proc.instanceID
	}
	m.emit(ev)

	if proc == nil {
		return nil
	}
	proc.terminate(m.cfg.StopGrace, rec.logger)
	select {
	case <-proc.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("plugin %q: waiting for exit: %w", name, ctx.Err())
	}
}

// RestartServer is the manual recovery path: stop, reset the restart budget, start.
func (m *Manager) RestartServer(ctx context.Context, name string) error {
	rec, err := m.resolve(name)
	if err != nil {
		return err
	}
	if err := m.StopServer(ctx, name); err != nil {
		return err
	}

	rec.mu.Lock()
	rec.restartCount = 0
	rec.mu.Unlock()

	return m.start(ctx, rec, false)
}

// StopAll stops every tracked server concurrently. One failure does not
// prevent the others from stopping.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.records))
	for name := range m.records {
		names = append(names, name)
	}
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		errs = make([]error, len(names))
	)
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.StopServer(ctx, name)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// CallTool invokes tool on the named plugin with args (any JSON-serialisable
// value; nil sends an empty object) and returns the raw result.
func (m *Manager) CallTool(ctx context.Context, name, tool string, args any) (json.RawMessage, error) {
	if tool == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	raw, err := marshalArguments(args)
	if err != nil {
		return nil, err
	}
	return m.call(ctx, name, protocol.MethodToolsCall, tool, protocol.ToolCallParams{Name: tool, Arguments: raw})
}

// ListTools asks the plugin for its tool catalogue.
func (m *Manager) ListTools(ctx context.Context, name string) ([]protocol.Tool, error) {
	raw, err := m.call(ctx, name, protocol.MethodToolsList, "", nil)
	if err != nil {
		return nil, err
	}
	var list protocol.ToolList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("plugin %q: decode tools/list result: %w", name, err)
	}
	return list.Tools, nil
}

func marshalArguments(args any) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("arguments are not valid JSON")
		}
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		return raw, nil
	}
}

// call dispatches on server status until a running process takes the request.
func (m *Manager) call(ctx context.Context, name, method, tool string, params any) (json.RawMessage, error) {
	for range maxDispatchAttempts {
		rec, err := m.resolve(name)
		if err != nil {
			return nil, err
		}

		rec.mu.Lock()
		status, proc, attempt := rec.status, rec.proc, rec.attempt
		errMsg, errAt := rec.errorMessage, rec.lastErrorAt
		rec.mu.Unlock()

		switch {
		case status == StatusError:
			return nil, &ServerError{Plugin: name, Message: errMsg, At: errAt}
		case status == StatusStarting && attempt != nil:
			if err := waitAttempt(ctx, attempt); err != nil {
				return nil, err
			}
		case status == StatusRunning && proc != nil:
			return m.send(ctx, rec, proc, method, tool, params)
		default:
			// stopped, or running without a live handle after a race
			if err := m.start(ctx, rec, false); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("plugin %q: server not ready after %d attempts", name, maxDispatchAttempts)
}

func waitAttempt(ctx context.Context, a *startAttempt) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetServerStatus returns the status; untracked plugins report stopped.
func (m *Manager) GetServerStatus(name string) Status {
	rec := m.lookup(name)
	if rec == nil {
		return StatusStopped
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.status
}

// GetServerError returns the last stored diagnostic, empty when none.
func (m *Manager) GetServerError(name string) string {
	rec := m.lookup(name)
	if rec == nil {
		return ""
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.errorMessage
}

// GetServerInfo returns a snapshot for name. Registry plugins without a
// record are reported as stopped.
func (m *Manager) GetServerInfo(name string) (ServerInfo, bool) {
	if rec := m.lookup(name); rec != nil {
		return rec.info(), true
	}
	if m.registry != nil {
		if desc, ok := m.registry.Get(name); ok {
			info := ServerInfo{Name: name, Status: StatusStopped}
			fillDescriptor(&info, desc)
			return info, true
		}
	}
	return ServerInfo{}, false
}

// Servers returns snapshots for tracked servers plus any extra names given
// (typically every discovered plugin), sorted by name.
func (m *Manager) Servers(names ...string) []ServerInfo {
	seen := make(map[string]struct{})
	m.mu.Lock()
	for name := range m.records {
		seen[name] = struct{}{}
	}
	m.mu.Unlock()
	for _, name := range names {
		seen[name] = struct{}{}
	}

	out := make([]ServerInfo, 0, len(seen))
	for name := range seen {
		if info, ok := m.GetServerInfo(name); ok {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) callTimeoutFor(name string) time.Duration {
	if m.callTimeout != nil {
		if d := m.callTimeout(name); d > 0 {
			return d
		}
	}
	return m.cfg.CallTimeout
}
