package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/plughost/internal/supervisor"
)

func TestEventsStream(t *testing.T) {
	ts := newTestServer(t)
	ts.hub.OnLifecycle(supervisor.LifecycleEvent{Plugin: "echo", Kind: supervisor.EventStarted, Status: supervisor.StatusRunning})
	ts.hub.OnLifecycle(supervisor.LifecycleEvent{Plugin: "open", Kind: supervisor.EventStarted, Status: supervisor.StatusRunning})

	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?plugin=echo", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	next := func() string {
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "stream closed")
				if strings.HasPrefix(line, "event: ") {
					return strings.TrimPrefix(line, "event: ")
				}
			case <-ctx.Done():
				t.Fatal("timed out waiting for event")
			}
		}
	}

	// Replayed from the buffer; the other plugin is filtered out.
	assert.Equal(t, "lifecycle.started", next())

	ts.hub.OnLifecycle(supervisor.LifecycleEvent{Plugin: "open", Kind: supervisor.EventCrashed, Status: supervisor.StatusError})
	ts.hub.OnLifecycle(supervisor.LifecycleEvent{Plugin: "echo", Kind: supervisor.EventStopped, Status: supervisor.StatusStopped})
	assert.Equal(t, "lifecycle.stopped", next())
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(12), parseLastEventID("12"))
}
