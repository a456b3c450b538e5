package fileutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	data := []byte(`{"probe_interval_minutes":30}`)

	require.NoError(t, AtomicWrite(path, data, 0o600))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, content)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestAtomicWrite_OverwriteExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	require.NoError(t, AtomicWrite(path, []byte("initial"), 0o600))
	require.NoError(t, AtomicWrite(path, []byte("updated"), 0o600))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("updated"), content)
}

func TestAtomicWrite_CreatesParentDirectories(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "abeslink", "nested", "settings.json")

	require.NoError(t, AtomicWrite(path, []byte("x"), 0o600))

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(DirPerm), info.Mode().Perm())
}

func TestAtomicWrite_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")

	for i := 0; i < 5; i++ {
		require.NoError(t, AtomicWrite(path, []byte("data"), 0o600))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "settings.json", entries[0].Name())
}

func TestAtomicWrite_UnwritableParent(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

	err := AtomicWrite(filepath.Join(dir, "settings.json"), []byte("x"), 0o600)
	assert.Error(t, err)
}

func TestWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	in := map[string]any{"auto_login_enabled": true, "probe_interval_minutes": 15}

	require.NoError(t, WriteJSON(path, in, 0o600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1])

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, true, out["auto_login_enabled"])
	assert.Equal(t, float64(15), out["probe_interval_minutes"])
}

func TestWriteJSON_MarshalError(t *testing.T) {
	err := WriteJSON(filepath.Join(t.TempDir(), "bad.json"), map[string]any{"ch": make(chan int)}, 0o600)
	assert.Error(t, err)
}
