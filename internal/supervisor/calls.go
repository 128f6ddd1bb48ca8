package supervisor

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

type outcome struct {
	result json.RawMessage
	err    error
}

// pendingCall is one request awaiting its response line.
type pendingCall struct {
	id      string
	method  string
	tool    string
	timeout time.Duration
	started time.Time
	timer   *time.Timer
	done    chan outcome // buffered 1; written once by whoever removes the entry
}

func (pc *pendingCall) settle(out outcome) {
	pc.done <- out
}

// callRegistry correlates responses with in-flight calls for one server record.
// Ids come from a counter that lives as long as the record, so they are never
// reused across process restarts.
type callRegistry struct {
	plugin string

	mu      sync.Mutex
	nextID  uint64
	pending map[string]*pendingCall

	onChange func(n int)
}

func newCallRegistry(plugin string, onChange func(n int)) *callRegistry {
	return &callRegistry{
		plugin:   plugin,
		pending:  make(map[string]*pendingCall),
		onChange: onChange,
	}
}

// register allocates the next id and arms the call's timer.
func (r *callRegistry) register(method, tool string, timeout time.Duration) *pendingCall {
	r.mu.Lock()
	r.nextID++
	pc := &pendingCall{
		id:      strconv.FormatUint(r.nextID, 10),
		method:  method,
		tool:    tool,
		timeout: timeout,
		started: time.Now(),
		done:    make(chan outcome, 1),
	}
	r.pending[pc.id] = pc
	id := pc.id
	pc.timer = time.AfterFunc(timeout, func() {
		if expired := r.take(id); expired != nil {
			expired.settle(outcome{err: &CallTimeoutError{
				Plugin:  r.plugin,
				Method:  expired.method,
				Tool:    expired.tool,
				Timeout: expired.timeout,
			}})
		}
	})
	n := len(r.pending)
	r.mu.Unlock()

	r.changed(n)
	return pc
}

// take removes the entry and stops its timer. Only the caller that receives a
// non-nil result may settle it.
func (r *callRegistry) take(id string) *pendingCall {
	r.mu.Lock()
	pc, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
		pc.timer.Stop()
	}
	n := len(r.pending)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	r.changed(n)
	return pc
}

// rejectAll settles every pending call with err and returns how many there were.
func (r *callRegistry) rejectAll(err error) int {
	r.mu.Lock()
	calls := make([]*pendingCall, 0, len(r.pending))
	for id, pc := range r.pending {
		pc.timer.Stop()
		delete(r.pending, id)
		calls = append(calls, pc)
	}
	r.mu.Unlock()

	for _, pc := range calls {
		pc.settle(outcome{err: err})
	}
	if len(calls) > 0 {
		r.changed(0)
	}
	return len(calls)
}

func (r *callRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *callRegistry) lastID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextID
}

func (r *callRegistry) changed(n int) {
	if r.onChange != nil {
		r.onChange(n)
	}
}
