package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "history.sqlite3")
	s, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestRecentNewestFirst(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	assert.Empty(t, s.Recent(ctx, 0))

	require.NoError(t, s.Record(ctx, Entry{Room: "1111111111", DisplayName: "ada", Language: "python", Timestamp: base}))
	require.NoError(t, s.Record(ctx, Entry{Room: "2222222222", DisplayName: "ada", Language: "go", Timestamp: base.Add(time.Minute)}))
	require.NoError(t, s.Record(ctx, Entry{Room: "1111111111", DisplayName: "ada l", Language: "rust", Timestamp: base.Add(2 * time.Minute)}))

	got := s.Recent(ctx, 0)
	require.Len(t, got, 2)
	assert.Equal(t, "1111111111", got[0].Room)
	assert.Equal(t, "ada l", got[0].DisplayName)
	assert.Equal(t, "rust", got[0].Language)
	assert.True(t, got[0].Timestamp.Equal(base.Add(2*time.Minute)))
	assert.Equal(t, "2222222222", got[1].Room)

	assert.Len(t, s.Recent(ctx, 1), 1)

	require.NoError(t, s.Forget(ctx, "1111111111"))
	got = s.Recent(ctx, 0)
	require.Len(t, got, 1)
	assert.Equal(t, "2222222222", got[0].Room)
}

func TestReopenKeepsHistory(t *testing.T) {
	s, path := openTemp(t)
	require.NoError(t, s.Record(context.Background(), Entry{Room: "1", DisplayName: "ada", Language: "go"}))
	require.NoError(t, s.Close())

	again, err := Open(path, nil)
	require.NoError(t, err)
	defer again.Close()
	got := again.Recent(context.Background(), 0)
	require.Len(t, got, 1)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestCorruptDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.sqlite3")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("not a database ", 512)), 0o644))
	_, err := Open(path, nil)
	assert.Error(t, err)
}

func TestUnreadableRowsAreSkipped(t *testing.T) {
	s, path := openTemp(t)
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, Entry{Room: "ok", DisplayName: "ada", Language: "go"}))

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Exec(`INSERT INTO rooms (room, display_name, language, updated_at) VALUES ('bad', 'x', 'y', 'yesterday')`)
	require.NoError(t, err)

	got := s.Recent(ctx, 0)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].Room)
}
