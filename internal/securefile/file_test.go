package securefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteReadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	_, found, err := ReadJSON[sample](path)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, WriteJSON(path, sample{Name: "a", Count: 2}))

	got, found, err := ReadJSON[sample](path)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, sample{Name: "a", Count: 2}, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, FilePerm, info.Mode().Perm())

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestReadJSONCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), FilePerm))

	_, _, err := ReadJSON[sample](path)
	require.Error(t, err)
}

func TestConfigPathCandidates(t *testing.T) {
	t.Setenv("SNAP_REAL_HOME", "")
	t.Setenv("HOME", "/home/u")
	t.Setenv(EnvVar, "dev")

	paths, err := ConfigPathCandidates("app", "f.json")
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	assert.Equal(t, filepath.Join("/home/u", ".config", "app", "develop", "f.json"), paths[0])

	t.Setenv(EnvVar, "staging")
	_, err = ConfigPathCandidates("app", "f.json")
	require.Error(t, err)

	_, err = ConfigPathCandidates("", "f.json")
	require.Error(t, err)
}
