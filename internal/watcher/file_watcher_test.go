package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileWatcher(t *testing.T) {
	fw := NewFileWatcher("/test/path")

	assert.Equal(t, "/test/path", fw.watchDir)
	assert.Nil(t, fw.events)
	assert.Nil(t, fw.rawEvents)
	assert.NotNil(t, fw.done)
}

func TestFileWatcherBasic(t *testing.T) {
	// macos is funny =)
	// tmpdir lives in /var/folders but it's actually symlink to /private/var/folders
	tempDir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err, "failed to evaluate symlinks")

	fw := NewFileWatcher(tempDir)
	require.NoError(t, fw.Start(t.Context()), "failed to start file watcher")
	defer fw.Stop()

	testFile := filepath.Join(tempDir, "test.txt")
	require.NoError(t, os.WriteFile(testFile, []byte("hello world"), 0644))

	select {
	case event := <-fw.Events():
		assert.Equal(t, testFile, event.Path)
		assert.False(t, event.IsDir)
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		assert.FailNow(t, "Timeout waiting for file event")
	}
}

func TestFileWatcherFilter(t *testing.T) {
	tempDir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err, "failed to evaluate symlinks")

	fw := NewFileWatcher(tempDir)
	fw.FilterPaths(func(path string, isDir bool) bool {
		return strings.HasSuffix(path, ".log")
	})
	require.NoError(t, fw.Start(t.Context()))
	defer fw.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "ignored.log"), []byte("x"), 0644))
	kept := filepath.Join(tempDir, "kept.txt")
	require.NoError(t, os.WriteFile(kept, []byte("x"), 0644))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-fw.Events():
			require.NotEqual(t, filepath.Join(tempDir, "ignored.log"), event.Path, "filtered path leaked")
			if event.Path == kept {
				return
			}
		case <-deadline:
			assert.FailNow(t, "Timeout waiting for kept.txt event")
		}
	}
}

func TestFileWatcherStopClosesEvents(t *testing.T) {
	tempDir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	fw := NewFileWatcher(tempDir)
	require.NoError(t, fw.Start(t.Context()))
	fw.Stop()
	fw.Stop()

	select {
	case _, ok := <-fw.Events():
		assert.False(t, ok, "events channel should be closed")
	case <-time.After(time.Second):
		assert.FailNow(t, "events channel not closed after stop")
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "created", Created.String())
	assert.Equal(t, "modified", Modified.String())
	assert.Equal(t, "deleted", Deleted.String())
	assert.Equal(t, "renamed", Renamed.String())
	assert.Equal(t, "unknown", Kind(0).String())
}
