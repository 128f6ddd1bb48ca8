package supervisor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/plughost/internal/plugin"
)

// startAttempt is shared by every caller waiting on one start. done is closed
// exactly once, after err is set.
type startAttempt struct {
	done chan struct{}
	err  error
	auto bool
}

// serverRecord is the per-plugin supervision state. It outlives individual
// processes so diagnostics, restart budget and call ids survive restarts.
type serverRecord struct {
	name   string
	logger *slog.Logger
	calls  *callRegistry

	mu           sync.Mutex
	desc         *plugin.Plugin
	status       Status
	proc         *process
	attempt      *startAttempt
	errorMessage string
	lastErrorAt  time.Time
	restartCount int
	restartTimer *time.Timer
	restartSeq   uint64
}

// setStatusLocked applies a validated transition. Caller holds mu.
func (r *serverRecord) setStatusLocked(to Status, metrics *Metrics) bool {
	from := r.status
	if from == to {
		return true
	}
	if !CanTransition(from, to) {
		r.logger.Error("refusing invalid status transition", "from", from, "to", to)
		return false
	}
	r.status = to
	metrics.transition(r.name, from, to)
	return true
}

// cancelRestartLocked drops any scheduled automatic restart. Caller holds mu.
func (r *serverRecord) cancelRestartLocked() {
	if r.restartTimer != nil {
		r.restartTimer.Stop()
		r.restartTimer = nil
	}
	r.restartSeq++
}

func (r *serverRecord) recordErrorLocked(msg string, at time.Time) {
	r.errorMessage = msg
	r.lastErrorAt = at
}

// ServerInfo is an introspection snapshot of one server.
type ServerInfo struct {
	Name         string    `json:"name"`
	Version      string    `json:"version,omitempty"`
	Status       Status    `json:"status"`
	PID          int       `json:"pid,omitempty"`
	InstanceID   string    `json:"instance_id,omitempty"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	RestartCount int       `json:"restart_count"`
	PendingCalls int       `json:"pending_calls"`
	LastCallID   uint64    `json:"last_call_id"`
	ErrorMessage string    `json:"error_message,omitempty"`
	LastErrorAt  time.Time `json:"last_error_at,omitzero"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	Tools        []string  `json:"tools,omitempty"`
}

func (r *serverRecord) info() ServerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := ServerInfo{
		Name:         r.name,
		Status:       r.status,
		RestartCount: r.restartCount,
		ErrorMessage: r.errorMessage,
		LastErrorAt:  r.lastErrorAt,
		PendingCalls: r.calls.len(),
		LastCallID:   r.calls.lastID(),
	}
	if r.desc != nil {
		fillDescriptor(&info, r.desc)
	}
	if r.proc != nil {
		info.PID = r.proc.pid
		info.InstanceID = r.proc.instanceID
		info.StartedAt = r.proc.startedAt
	}
	return info
}

func fillDescriptor(info *ServerInfo, desc *plugin.Plugin) {
	info.Version = desc.Version
	info.Fingerprint = desc.Fingerprint
	for _, t := range desc.Tools {
		info.Tools = append(info.Tools, t.Name)
	}
}
