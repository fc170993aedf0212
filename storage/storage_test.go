package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"fadedreams/autofix/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	s, err := NewSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", name), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func exerciseKV(t *testing.T, kv domain.KVStore) {
	ctx := context.Background()

	_, found, err := kv.Get(ctx, domain.KeyRequests)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, kv.Set(ctx, domain.KeyRequests, `[{"id":"1"}]`))
	require.NoError(t, kv.Set(ctx, domain.KeyRequests, `[{"id":"2"}]`))
	require.NoError(t, kv.Set(ctx, domain.KeyMessages, `[]`))

	v, found, err := kv.Get(ctx, domain.KeyRequests)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `[{"id":"2"}]`, v)

	require.NoError(t, kv.Remove(ctx, domain.KeyRequests))
	_, found, err = kv.Get(ctx, domain.KeyRequests)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, kv.Clear(ctx))
	_, found, err = kv.Get(ctx, domain.KeyMessages)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStore(t *testing.T) {
	exerciseKV(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	exerciseKV(t, newTestSQLite(t))
}
