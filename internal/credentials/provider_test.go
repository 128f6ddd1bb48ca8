package credentials

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/plughost/internal/config"
	"github.com/mattjoyce/plughost/internal/credentials/mocks"
	"github.com/mattjoyce/plughost/internal/storage"
)

func TestConfigProvider(t *testing.T) {
	cfg := config.Defaults()
	cfg.Plugins["notes"] = config.PluginConf{Credentials: map[string]string{"NOTES_TOKEN": "abc"}}

	p := NewConfigProvider(cfg)
	creds, err := p.GetCredentials(context.Background(), "notes")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"NOTES_TOKEN": "abc"}, creds)

	// Callers may mutate the result without affecting the provider.
	creds["NOTES_TOKEN"] = "changed"
	again, _ := p.GetCredentials(context.Background(), "notes")
	assert.Equal(t, "abc", again["NOTES_TOKEN"])

	none, err := p.GetCredentials(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestChain_LaterOverridesAndErrorsJoin(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	first := mocks.NewMockProvider(ctrl)
	broken := mocks.NewMockProvider(ctrl)
	last := mocks.NewMockProvider(ctrl)

	first.EXPECT().GetCredentials(ctx, "notes").Return(map[string]string{"A": "1", "B": "1"}, nil)
	broken.EXPECT().GetCredentials(ctx, "notes").Return(nil, errors.New("vault sealed"))
	last.EXPECT().GetCredentials(ctx, "notes").Return(map[string]string{"B": "2"}, nil)

	creds, err := Chain{first, broken, last}.GetCredentials(ctx, "notes")
	assert.ErrorContains(t, err, "vault sealed")
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, creds)
}

func TestMissing(t *testing.T) {
	got := Missing([]string{"A", "B", "C"}, map[string]string{"B": "x"})
	assert.Equal(t, []string{"A", "C"}, got)
	assert.Nil(t, Missing(nil, nil))
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := NewStore(db)
	require.NoError(t, s.Set(ctx, "notes", "TOKEN", "one"))
	require.NoError(t, s.Set(ctx, "notes", "TOKEN", "two"))
	require.NoError(t, s.Set(ctx, "notes", "REGION", "eu"))
	require.NoError(t, s.Set(ctx, "other", "TOKEN", "x"))

	creds, err := s.GetCredentials(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"TOKEN": "two", "REGION": "eu"}, creds)

	keys, err := s.Keys(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, []string{"REGION", "TOKEN"}, keys)

	removed, err := s.Delete(ctx, "notes", "REGION")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.Delete(ctx, "notes", "REGION")
	require.NoError(t, err)
	assert.False(t, removed)

	assert.Error(t, s.Set(ctx, "notes", "BAD KEY", "v"))
	assert.Error(t, s.Set(ctx, "", "K", "v"))
}
