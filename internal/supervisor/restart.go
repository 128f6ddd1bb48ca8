package supervisor

import (
	"context"
	"fmt"
	"time"
)

// restartStartSlack is added to the startup window to bound one automatic start.
const restartStartSlack = 30 * time.Second

type restartDecision struct {
	scheduled bool
	attempt   int
	max       int
	delay     time.Duration
	// abandonedBy names the error kind that ended automatic restarts early.
	abandonedBy string
}

// scheduleRestartLocked applies the bounded fixed-delay policy after an
// abnormal exit. Caller holds rec.mu.
func (m *Manager) scheduleRestartLocked(rec *serverRecord) restartDecision {
	d := restartDecision{max: m.cfg.MaxRestartAttempts, delay: m.cfg.RestartDelay}
	if d.max <= 0 || rec.restartCount >= d.max {
		return d
	}

	rec.cancelRestartLocked()
	rec.restartCount++
	d.scheduled = true
	d.attempt = rec.restartCount

	seq := rec.restartSeq
	rec.restartTimer = time.AfterFunc(d.delay, func() {
		m.runScheduledRestart(rec, seq)
	})
	m.metrics.restartScheduled(rec.name)
	return d
}

func (m *Manager) runScheduledRestart(rec *serverRecord, seq uint64) {
	rec.mu.Lock()
	if rec.restartSeq != seq || rec.restartTimer == nil {
		rec.mu.Unlock()
		return
	}
	rec.restartTimer = nil
	if rec.status != StatusError {
		rec.mu.Unlock()
		return
	}
	attempt := rec.restartCount
	rec.mu.Unlock()

	rec.logger.Info("restarting plugin", "attempt", attempt, "max", m.cfg.MaxRestartAttempts)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StartupWindow+restartStartSlack)
	defer cancel()
	if err := m.start(ctx, rec, true); err != nil {
		rec.logger.Warn("automatic restart failed", "attempt", attempt, "error", err)
	}
}

func (m *Manager) emitRestart(name string, d restartDecision) {
	if d.scheduled {
		m.logger.Warn("scheduling plugin restart", "plugin", name, "attempt", d.attempt, "max", d.max, "delay", d.delay)
		m.emit(LifecycleEvent{
			Plugin: name,
			Kind:   EventRestartScheduled,
			Status: StatusError,
			Detail: fmt.Sprintf("attempt %d/%d in %s", d.attempt, d.max, d.delay),
		})
		return
	}
	if d.abandonedBy != "" {
		m.logger.Error("automatic restart abandoned, manual restart required", "plugin", name, "kind", d.abandonedBy)
		m.emit(LifecycleEvent{
			Plugin: name,
			Kind:   EventRestartExhausted,
			Status: StatusError,
			Detail: fmt.Sprintf("%s error is not retried", d.abandonedBy),
		})
		return
	}
	if d.max <= 0 {
		m.logger.Warn("automatic restarts disabled, manual restart required", "plugin", name)
		return
	}
	m.logger.Error("restart attempts exhausted, manual restart required", "plugin", name, "max", d.max)
	m.emit(LifecycleEvent{
		Plugin: name,
		Kind:   EventRestartExhausted,
		Status: StatusError,
		Detail: fmt.Sprintf("%d automatic restarts attempted", d.max),
	})
}
