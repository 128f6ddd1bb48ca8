package supervisor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/plughost/internal/protocol"
)

func TestCallRegistry_IDsAreMonotonic(t *testing.T) {
	r := newCallRegistry("p", nil)

	var wg sync.WaitGroup
	ids := make(chan string, 100)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pc := r.register(protocol.MethodToolsCall, "echo", time.Minute)
			ids <- pc.id
			r.take(pc.id)
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "id %s reused", id)
		seen[id] = true
	}
	assert.Len(t, seen, 100)
	assert.Equal(t, uint64(100), r.lastID())
	assert.Zero(t, r.len())
}

func TestCallRegistry_TimeoutRemovesEntry(t *testing.T) {
	var counts []int
	var mu sync.Mutex
	r := newCallRegistry("p", func(n int) {
		mu.Lock()
		defer mu.Unlock()
		counts = append(counts, n)
	})

	pc := r.register(protocol.MethodToolsCall, "slow", 20*time.Millisecond)
	select {
	case out := <-pc.done:
		var timeoutErr *CallTimeoutError
		require.ErrorAs(t, out.err, &timeoutErr)
		assert.Equal(t, "slow", timeoutErr.Tool)
		assert.Equal(t, 20*time.Millisecond, timeoutErr.Timeout)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout did not fire")
	}

	assert.Zero(t, r.len())
	assert.Nil(t, r.take(pc.id), "late response must find no entry")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 0}, counts)
}

func TestCallRegistry_TakeStopsTimer(t *testing.T) {
	r := newCallRegistry("p", nil)
	pc := r.register(protocol.MethodToolsList, "", 10*time.Millisecond)

	require.Same(t, pc, r.take(pc.id))
	pc.settle(outcome{result: []byte(`1`)})

	time.Sleep(30 * time.Millisecond)
	out := <-pc.done
	require.NoError(t, out.err)
	assert.Equal(t, "1", string(out.result))
	select {
	case extra := <-pc.done:
		t.Fatalf("unexpected second settlement: %+v", extra)
	default:
	}
}

func TestCallRegistry_RejectAll(t *testing.T) {
	r := newCallRegistry("p", nil)
	calls := []*pendingCall{
		r.register(protocol.MethodToolsCall, "a", time.Minute),
		r.register(protocol.MethodToolsCall, "b", time.Minute),
		r.register(protocol.MethodToolsCall, "c", time.Minute),
	}
	boom := errors.New("boom")

	assert.Equal(t, 3, r.rejectAll(boom))
	for _, pc := range calls {
		out := <-pc.done
		assert.ErrorIs(t, out.err, boom)
	}
	assert.Zero(t, r.len())
	assert.Zero(t, r.rejectAll(boom))

	next := r.register(protocol.MethodToolsCall, "d", time.Minute)
	assert.Equal(t, "4", next.id)
	r.take(next.id)
}
