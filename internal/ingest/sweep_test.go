package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepIncomingRemovesStaleUploads(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.fs.MkdirAll(IncomingDir))
	for _, name := range []string{"stale.upload", "fresh.upload", "notes.txt"} {
		require.NoError(t, f.fs.WriteFileAtomic(IncomingDir+"/"+name, []byte("x")))
	}
	old := fixtureNow.Add(-48 * time.Hour)
	for _, name := range []string{"stale.upload", "notes.txt"} {
		require.NoError(t, os.Chtimes(filepath.Join(f.fs.BaseDir(), IncomingDir, name), old, old))
	}

	n, err := f.coord.SweepIncoming(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	names, err := f.fs.ReadDirNames(IncomingDir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fresh.upload", "notes.txt"}, names)
}

func TestSweepIncomingWithoutDirectory(t *testing.T) {
	f := newFixture(t)
	n, err := f.coord.SweepIncoming(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}
