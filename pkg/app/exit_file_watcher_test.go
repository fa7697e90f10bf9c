package app

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// ownGroupName returns the group name a file we create will carry, so the
// watcher's group check can pass in the test environment.
func ownGroupName(t *testing.T, path string) string {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	stat, ok := info.Sys().(*syscall.Stat_t)
	require.True(t, ok)
	group, err := user.LookupGroupId(fmt.Sprint(stat.Gid))
	require.NoError(t, err)
	return group.Name
}

func TestExitFileWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exit")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	w := NewExitFileWatcher(path, ownGroupName(t, path), testLog())
	assert.False(t, w.HasBeenUpdated(), "priming the watcher swallows the initial mtime")

	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
	assert.True(t, w.HasBeenUpdated())
}

func TestExitFileWrongGroupIsIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exit")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	w := NewExitFileWatcher(path, "no-such-group", testLog())
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
	assert.False(t, w.HasBeenUpdated())
}

func TestExitFileMissingIsIgnored(t *testing.T) {
	w := NewExitFileWatcher("/nonexistent/exit", "root", testLog())
	assert.False(t, w.HasBeenUpdated())
}
