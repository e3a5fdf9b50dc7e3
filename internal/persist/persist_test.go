package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "snap.json")
	in := sample{Name: "auckland", Count: 7}
	require.NoError(t, WriteJSON(path, in))

	var out sample
	ok, err := LoadJSON(path, &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in, out)

	// No temp file left behind.
	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	var out sample
	ok, err := LoadJSON(filepath.Join(t.TempDir(), "absent.json"), &out)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLoadCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o644))

	var out sample
	ok, err := LoadJSON(path, &out)
	require.Error(t, err)
	require.False(t, ok)
}

func TestWriteOverwritesAtomically(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "snap.json")
	require.NoError(t, WriteJSON(path, sample{Name: "first"}))
	require.NoError(t, WriteJSON(path, sample{Name: "second"}))

	var out sample
	ok, err := LoadJSON(path, &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second", out.Name)
}
