package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/plughost/internal/config"
	"github.com/mattjoyce/plughost/internal/plugin"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// spawnedPID returns the pid from the first "spawned plugin" log record.
func (b *lockedBuffer) spawnedPID(t *testing.T) int {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	dec := json.NewDecoder(bytes.NewReader(b.buf.Bytes()))
	for dec.More() {
		var rec struct {
			Msg string `json:"msg"`
			PID int    `json:"pid"`
		}
		require.NoError(t, dec.Decode(&rec))
		if rec.Msg == "spawned plugin" {
			return rec.PID
		}
	}
	t.Fatal("no spawned plugin record logged")
	return 0
}

func TestLaunch_AttemptLostBeforeOwnershipTerminatesProcess(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	metrics := NewMetrics("test")
	m := New(nil, nil, config.SupervisorConfig{
		StartupWindow: time.Second,
		StopGrace:     time.Second,
	}, WithMetrics(metrics), WithEnviron(func() []string {
		// The external test package's TestMain serves as the plugin.
		return append(os.Environ(), "PLUGHOST_TEST_PLUGIN=echo")
	}))

	logs := &lockedBuffer{}
	rec := newTestRecord("echo")
	rec.status = StatusStopped
	rec.logger = slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	desc := &plugin.Plugin{Name: "echo", Path: t.TempDir(), Entrypoint: exe}

	// A stop already cleared the record, so this attempt no longer owns it.
	a := &startAttempt{done: make(chan struct{})}
	err = m.launch(context.Background(), rec, desc, a)
	require.ErrorIs(t, err, ErrServerStopped)

	rec.mu.Lock()
	assert.Nil(t, rec.proc)
	assert.Equal(t, StatusStopped, rec.status)
	rec.mu.Unlock()
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.spawns.WithLabelValues("echo")))

	pid := logs.spawnedPID(t)
	require.NotZero(t, pid)
	require.Eventually(t, func() bool {
		return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
	}, 5*time.Second, 10*time.Millisecond, "plugin process %d still alive", pid)
}
