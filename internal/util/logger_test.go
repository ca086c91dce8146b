package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanOldLogsPrunesByModTime(t *testing.T) {
	dir := t.TempDir()

	// File names deliberately disagree with modification times: the
	// lexicographically first file is the newest.
	now := time.Now()
	files := []struct {
		name string
		mod  time.Time
	}{
		{"warden_2026-01-01.log", now},
		{"warden_2026-02-01.log", now.Add(-48 * time.Hour)},
		{"warden_2026-03-01.log", now.Add(-96 * time.Hour)},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
		require.NoError(t, os.Chtimes(path, f.mod, f.mod))
	}

	cleanOldLogs(dir, 1)

	_, err := os.Stat(filepath.Join(dir, "warden_2026-01-01.log"))
	assert.NoError(t, err, "newest file must survive pruning")
	_, err = os.Stat(filepath.Join(dir, "warden_2026-02-01.log"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "warden_2026-03-01.log"))
	assert.True(t, os.IsNotExist(err))
}

func TestCleanOldLogsWithinLimitKeepsAll(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden_2026-01-01.log")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	cleanOldLogs(dir, 5)

	_, err := os.Stat(path)
	assert.NoError(t, err)
}
