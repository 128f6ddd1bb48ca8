package supervisor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/mattjoyce/plughost/internal/credentials"
	"github.com/mattjoyce/plughost/internal/plugin"
)

// start runs or joins a start attempt for rec. auto marks starts issued by the
// restart policy; only those feed failures back into the policy.
func (m *Manager) start(ctx context.Context, rec *serverRecord, auto bool) error {
	rec.mu.Lock()
	if rec.status == StatusRunning && rec.proc != nil {
		rec.mu.Unlock()
		return nil
	}
	if a := rec.attempt; a != nil {
		rec.mu.Unlock()
		return waitAttempt(ctx, a)
	}

	if rec.status == StatusRunning {
		// Running without a handle: recover through stopped.
		rec.setStatusLocked(StatusStopped, m.metrics)
	}
	if !rec.setStatusLocked(StatusStarting, m.metrics) {
		status := rec.status
		rec.mu.Unlock()
		return fmt.Errorf("plugin %q: cannot start from status %s", rec.name, status)
	}
	a := &startAttempt{done: make(chan struct{}), auto: auto}
	rec.attempt = a
	rec.cancelRestartLocked()
	desc := rec.desc
	rec.mu.Unlock()

	m.emit(LifecycleEvent{Plugin: rec.name, Kind: EventStarting, Status: StatusStarting})

	err := m.launch(ctx, rec, desc, a)

	rec.mu.Lock()
	if rec.attempt == a {
		rec.attempt = nil
	}
	a.err = err
	rec.mu.Unlock()
	close(a.done)
	return err
}

// launch spawns the process and holds it through the startup window.
func (m *Manager) launch(ctx context.Context, rec *serverRecord, desc *plugin.Plugin, a *startAttempt) error {
	if err := CheckEntrypoint(desc); err != nil {
		m.failStart(rec, a, nil, err)
		return err
	}

	env := m.buildEnv(ctx, desc, rec)

	proc, err := spawn(spawnSpec{
		desc:         desc,
		env:          env,
		stderrTail:   m.cfg.StderrTailBytes,
		maxLineBytes: m.cfg.MaxLineBytes,
		onLine: func(p *process, line []byte) {
			m.handleLine(rec, p, line)
		},
		onOverflow: func(p *process, size int) {
			m.metrics.protocolError(rec.name)
			rec.logger.Warn("dropping oversized line from plugin", "bytes", size, "limit", m.cfg.MaxLineBytes)
		},
		logger: rec.logger,
	})
	if err != nil {
		m.failStart(rec, a, nil, err)
		return err
	}
	m.metrics.spawned(rec.name)
	rec.logger.Info("spawned plugin", "pid", proc.pid, "instance_id", proc.instanceID, "entrypoint", desc.Entrypoint)

	rec.mu.Lock()
	if rec.attempt != a || rec.status != StatusStarting {
		rec.mu.Unlock()
		proc.terminate(m.cfg.StopGrace, rec.logger)
		return fmt.Errorf("plugin %q: %w while starting", rec.name, ErrServerStopped)
	}
	rec.proc = proc
	rec.mu.Unlock()

	go m.monitor(rec, proc)

	window := time.NewTimer(m.cfg.StartupWindow)
	defer window.Stop()
	select {
	case <-proc.done:
	case <-window.C:
	case <-ctx.Done():
		proc.kill()
		m.abandonStart(rec, a, proc)
		return ctx.Err()
	}

	rec.mu.Lock()
	if rec.attempt != a || rec.status != StatusStarting || rec.proc != proc {
		rec.mu.Unlock()
		return fmt.Errorf("plugin %q: %w while starting", rec.name, ErrServerStopped)
	}
	if proc.exited() {
		rec.mu.Unlock()
		reason, _ := proc.exitReason()
		err := &StartupError{Plugin: rec.name, Exit: reason, Stderr: excerpt(proc.stderr.String(), stderrExcerptBytes)}
		m.failStart(rec, a, proc, err)
		return err
	}
	rec.setStatusLocked(StatusRunning, m.metrics)
	rec.restartCount = 0
	rec.errorMessage = ""
	rec.mu.Unlock()

	rec.logger.Info("plugin ready", "pid", proc.pid, "instance_id", proc.instanceID)
	m.emit(LifecycleEvent{Plugin: rec.name, InstanceID: proc.instanceID, Kind: EventStarted, Status: StatusRunning, PID: proc.pid})
	return nil
}

// failStart moves a still-owned start attempt to error and, for automatic
// restarts, consults the restart policy. Only StartupError is retried.
func (m *Manager) failStart(rec *serverRecord, a *startAttempt, proc *process, err error) {
	now := time.Now()

	rec.mu.Lock()
	if rec.attempt != a || rec.status != StatusStarting {
		rec.mu.Unlock()
		return
	}
	// Release the attempt now so a scheduled restart cannot join it.
	rec.attempt = nil
	if proc != nil && rec.proc == proc {
		rec.proc = nil
	}
	rec.setStatusLocked(StatusError, m.metrics)
	rec.recordErrorLocked(err.Error(), now)
	rec.calls.rejectAll(err)
	var next restartDecision
	if a.auto {
		// Configuration and spawn failures are never retried.
		var startupErr *StartupError
		if errors.As(err, &startupErr) {
			next = m.scheduleRestartLocked(rec)
		} else {
			rec.cancelRestartLocked()
			next = restartDecision{max: m.cfg.MaxRestartAttempts, abandonedBy: ErrorKind(err)}
		}
	}
	rec.mu.Unlock()

	rec.logger.Error("plugin failed to start", "error", err, "kind", ErrorKind(err))
	ev := LifecycleEvent{Plugin: rec.name, Kind: EventStartFailed, Status: StatusError, Detail: err.Error(), At: now}
	if proc != nil {
		ev.PID = proc.pid
		ev.InstanceID = proc.instanceID
	}
	m.emit(ev)
	if a.auto {
		m.emitRestart(rec.name, next)
	}
}

// abandonStart returns a start cancelled by its caller to stopped.
func (m *Manager) abandonStart(rec *serverRecord, a *startAttempt, proc *process) {
	rec.mu.Lock()
	if rec.attempt != a || rec.status != StatusStarting {
		rec.mu.Unlock()
		return
	}
	rec.attempt = nil
	if rec.proc == proc {
		rec.proc = nil
	}
	rec.setStatusLocked(StatusStopped, m.metrics)
	rec.mu.Unlock()

	rec.logger.Warn("start cancelled", "pid", proc.pid)
	m.emit(LifecycleEvent{Plugin: rec.name, InstanceID: proc.instanceID, Kind: EventStopped, Status: StatusStopped, PID: proc.pid, Detail: "start cancelled"})
}

// monitor runs exit handling once proc has exited.
func (m *Manager) monitor(rec *serverRecord, proc *process) {
	<-proc.done
	m.handleExit(rec, proc)
}

// handleExit settles a running server whose process ended. Exits of stale
// processes, or of processes still inside their startup window, are owned elsewhere.
func (m *Manager) handleExit(rec *serverRecord, proc *process) {
	reason, abnormal := proc.exitReason()
	stderr := excerpt(proc.stderr.String(), stderrExcerptBytes)
	now := time.Now()

	rec.mu.Lock()
	if rec.proc != proc || rec.status == StatusStarting {
		rec.mu.Unlock()
		return
	}
	rec.proc = nil

	var (
		next restartDecision
		kind = EventExited
		to   = StatusStopped
	)
	if abnormal {
		kind, to = EventCrashed, StatusError
		rec.recordErrorLocked(exitDiagnostic(reason, stderr), now)
	}
	rec.setStatusLocked(to, m.metrics)
	rejected := rec.calls.rejectAll(&CrashError{Plugin: rec.name, Exit: reason, Stderr: stderr})
	if abnormal {
		next = m.scheduleRestartLocked(rec)
	}
	rec.mu.Unlock()

	if abnormal {
		m.metrics.crashed(rec.name)
		rec.logger.Error("plugin exited unexpectedly", "pid", proc.pid, "reason", reason, "rejected_calls", rejected, "stderr", stderr)
	} else {
		rec.logger.Info("plugin exited", "pid", proc.pid, "reason", reason, "rejected_calls", rejected)
	}
	m.emit(LifecycleEvent{
		Plugin:     rec.name,
		InstanceID: proc.instanceID,
		Kind:       kind,
		Status:     to,
		PID:        proc.pid,
		Detail:     exitDiagnostic(reason, stderr),
		At:         now,
	})
	if abnormal {
		m.emitRestart(rec.name, next)
	}
}

func exitDiagnostic(reason, stderr string) string {
	if stderr == "" {
		return fmt.Sprintf("process exited unexpectedly (%s)", reason)
	}
	return fmt.Sprintf("%s: %s", reason, stderr)
}

// buildEnv merges the host environment with the plugin's credentials.
// Credential failures are logged, not fatal: a plugin may need none.
func (m *Manager) buildEnv(ctx context.Context, desc *plugin.Plugin, rec *serverRecord) []string {
	env := m.environ()
	if m.credentials == nil {
		if missing := desc.RequiredCredentials(); len(missing) > 0 {
			rec.logger.Warn("plugin declares credentials but no provider is configured", "missing", missing)
		}
		return env
	}

	creds, err := m.credentials.GetCredentials(ctx, desc.Name)
	if err != nil {
		rec.logger.Warn("failed to fetch credentials", "error", err)
	}
	if missing := credentials.Missing(desc.RequiredCredentials(), creds); len(missing) > 0 {
		rec.logger.Warn("required credentials missing", "keys", missing)
	}
	if len(creds) == 0 {
		return env
	}

	// Credentials override host variables of the same name.
	keys := slices.Sorted(maps.Keys(creds))
	out := make([]string, 0, len(env)+len(creds))
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		if _, overridden := creds[name]; !overridden {
			out = append(out, kv)
		}
	}
	for _, k := range keys {
		out = append(out, k+"="+creds[k])
	}
	return out
}
