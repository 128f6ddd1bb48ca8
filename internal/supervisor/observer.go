package supervisor

import "time"

//go:generate mockgen -destination=mocks/mock_observer.go -package=mocks github.com/mattjoyce/plughost/internal/supervisor Observer

// EventKind names a lifecycle notification.
type EventKind string

const (
	EventStarting         EventKind = "starting"
	EventStarted          EventKind = "started"
	EventStartFailed      EventKind = "start_failed"
	EventExited           EventKind = "exited"
	EventCrashed          EventKind = "crashed"
	EventRestartScheduled EventKind = "restart_scheduled"
	EventRestartExhausted EventKind = "restart_exhausted"
	EventStopped          EventKind = "stopped"
)

// LifecycleEvent describes one supervisor state change.
type LifecycleEvent struct {
	Plugin     string    `json:"plugin"`
	InstanceID string    `json:"instance_id,omitempty"`
	Kind       EventKind `json:"event"`
	Status     Status    `json:"status"`
	PID        int       `json:"pid,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Observer receives lifecycle events. Calls are made outside supervisor locks
// and in order per plugin, so implementations should return quickly.
type Observer interface {
	OnLifecycle(ev LifecycleEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev LifecycleEvent)

func (f ObserverFunc) OnLifecycle(ev LifecycleEvent) { f(ev) }

// Observers fans an event out to each non-nil observer in order.
type Observers []Observer

func (o Observers) OnLifecycle(ev LifecycleEvent) {
	for _, obs := range o {
		if obs != nil {
			obs.OnLifecycle(ev)
		}
	}
}
