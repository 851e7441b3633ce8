package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	tests := []struct {
		name      string
		input     string
		want      string
		wantError bool
	}{
		{name: "empty path", input: "", wantError: true},
		{name: "absolute path", input: "/tmp/../tmp/test", want: "/tmp/test"},
		{name: "home", input: "~/apps/api", want: filepath.Join(home, "apps", "api")},
		{name: "tilde inside name", input: "/srv/~backup", want: "/srv/~backup"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolvePath(tt.input)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	rel, err := ResolvePath("./test")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(rel))
}

func TestExistsHelpers(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "package.json")
	require.NoError(t, os.WriteFile(file, []byte("{}"), 0o644))

	assert.True(t, DirExists(dir))
	assert.False(t, DirExists(file))
	assert.True(t, FileExists(file))
	assert.False(t, FileExists(dir))
	assert.False(t, FileExists(filepath.Join(dir, "missing")))

	nested := filepath.Join(dir, "a", "b", "c.txt")
	require.NoError(t, EnsureParent(nested))
	assert.True(t, DirExists(filepath.Dir(nested)))
}

func TestNewerThan(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "package.json")
	marker := filepath.Join(dir, "node_modules", ".package-lock.json")
	require.NoError(t, os.WriteFile(manifest, []byte("{}"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Dir(marker), 0o755))
	require.NoError(t, os.WriteFile(marker, []byte("{}"), 0o644))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(manifest, past, past))

	assert.True(t, NewerThan(marker, manifest))
	assert.False(t, NewerThan(manifest, marker))
	assert.False(t, NewerThan(filepath.Join(dir, "missing"), manifest))
	assert.True(t, NewerThan(marker, filepath.Join(dir, "missing")))
}
