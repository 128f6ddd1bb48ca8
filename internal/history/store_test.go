package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/plughost/internal/log"
	"github.com/mattjoyce/plughost/internal/storage"
	"github.com/mattjoyce/plughost/internal/supervisor"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestStore_AppendAndList(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	events := []supervisor.LifecycleEvent{
		{Plugin: "echo", Kind: supervisor.EventStarting, Status: supervisor.StatusStarting, At: base},
		{Plugin: "echo", Kind: supervisor.EventStarted, Status: supervisor.StatusRunning, PID: 41, InstanceID: "i-1", At: base.Add(100 * time.Millisecond)},
		{Plugin: "other", Kind: supervisor.EventStarting, Status: supervisor.StatusStarting, At: base.Add(110 * time.Millisecond)},
		{Plugin: "echo", Kind: supervisor.EventCrashed, Status: supervisor.StatusError, PID: 41, InstanceID: "i-1", Detail: "exit code 3", At: base.Add(120 * time.Millisecond)},
	}
	for _, ev := range events {
		e, err := store.Append(ctx, ev)
		require.NoError(t, err)
		assert.NotEmpty(t, e.ID)
	}

	got, err := store.List(ctx, "echo", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "crashed", got[0].Event)
	assert.Equal(t, "error", got[0].Status)
	assert.Equal(t, "exit code 3", got[0].Detail)
	assert.Equal(t, 41, got[0].PID)
	assert.Equal(t, "i-1", got[0].InstanceID)
	assert.True(t, got[0].At.Equal(base.Add(120*time.Millisecond)))
	assert.Equal(t, "starting", got[2].Event)
	assert.Zero(t, got[2].PID)
	assert.Empty(t, got[2].InstanceID)

	all, err := store.List(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "echo", all[0].Plugin)
	assert.Equal(t, "other", all[1].Plugin)

	none, err := store.List(ctx, "ghost", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.NotNil(t, none)
}

func TestStore_AppendRejectsEmptyPlugin(t *testing.T) {
	store := NewStore(openTestDB(t))
	_, err := store.Append(context.Background(), supervisor.LifecycleEvent{Kind: supervisor.EventStarted})
	require.Error(t, err)
}

func TestStore_Prune(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()
	now := time.Now()

	for _, at := range []time.Time{now.Add(-48 * time.Hour), now.Add(-25 * time.Hour), now.Add(-time.Hour)} {
		_, err := store.Append(ctx, supervisor.LifecycleEvent{Plugin: "echo", Kind: supervisor.EventStarted, Status: supervisor.StatusRunning, At: at})
		require.NoError(t, err)
	}

	n, err := store.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := store.List(ctx, "echo", 0)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestRecorder_OnLifecycle(t *testing.T) {
	store := NewStore(openTestDB(t))
	rec := NewRecorder(store)

	var obs supervisor.Observer = rec
	obs.OnLifecycle(supervisor.LifecycleEvent{Plugin: "echo", Kind: supervisor.EventStopped, Status: supervisor.StatusStopped})

	got, err := store.List(context.Background(), "echo", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "stopped", got[0].Event)
	assert.False(t, got[0].At.IsZero())
}
