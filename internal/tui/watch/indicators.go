package watch

import (
	"strings"
	"time"

	"github.com/mattjoyce/plughost/internal/events"
	"github.com/mattjoyce/plughost/internal/supervisor"
)

const (
	activityDots   = 5
	activityFade   = 2 * time.Second
	faultHighlight = 10 * time.Second
)

// Heartbeat flips on every poll tick. A frame that stops changing means the
// dashboard itself has stalled.
type Heartbeat struct {
	frames []string
	n      int
}

func NewHeartbeat() Heartbeat {
	return Heartbeat{frames: []string{"⟲", "⟳"}}
}

func (h *Heartbeat) Beat() {
	h.n = (h.n + 1) % len(h.frames)
}

func (h Heartbeat) Frame() string {
	return h.frames[h.n]
}

// Activity lights a row of dots when events arrive and lets them fade.
// Dots turn red for a while after a crash so failures stand out.
type Activity struct {
	level     int
	last      time.Time
	lastFault time.Time
}

// Record notes an event received at now.
func (a *Activity) Record(e events.Event, now time.Time) {
	a.level = activityDots
	a.last = now
	kind := supervisor.EventKind(strings.TrimPrefix(e.Type, events.LifecyclePrefix))
	switch kind {
	case supervisor.EventCrashed, supervisor.EventStartFailed, supervisor.EventRestartExhausted:
		a.lastFault = now
	}
}

// Fade drops one dot per activityFade since the last event.
func (a *Activity) Fade(now time.Time) {
	if a.last.IsZero() {
		return
	}
	a.level = max(0, activityDots-int(now.Sub(a.last)/activityFade))
}

func (a Activity) Last() time.Time {
	return a.last
}

func (a Activity) Render(theme Theme, now time.Time) string {
	lit := theme.TickerActive
	if !a.lastFault.IsZero() && now.Sub(a.lastFault) < faultHighlight {
		lit = theme.StatusFailed
	}
	var b strings.Builder
	for i := range activityDots {
		if i < a.level {
			b.WriteString(lit.Render("●"))
		} else {
			b.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return b.String()
}
