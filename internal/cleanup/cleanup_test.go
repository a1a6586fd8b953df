package cleanup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestSweep_RemovesOnlyAgedMediaFiles(t *testing.T) {
	groups := t.TempDir()

	old := filepath.Join(groups, "family", "media", "old.jpg")
	fresh := filepath.Join(groups, "family", "media", "fresh.jpg")
	unrelated := filepath.Join(groups, "family", "logs", "old.log")
	touch(t, old, 48*time.Hour)
	touch(t, fresh, time.Hour)
	touch(t, unrelated, 48*time.Hour)

	s := New(groups, 24*time.Hour, time.Hour)
	s.Sweep()

	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, unrelated, "only media directories are swept")
}

func TestSweep_MissingDirsAreFine(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nope"), 24*time.Hour, time.Hour)
	s.Sweep()
}

func TestStartStop(t *testing.T) {
	s := New(t.TempDir(), 24*time.Hour, 10*time.Millisecond)
	s.Start()
	time.Sleep(25 * time.Millisecond)
	s.Stop()
	s.Stop()
}
