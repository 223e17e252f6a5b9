package hubconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musterhub/hub/internal/hubtest"
)

func TestWatcherReloadReportsAddedChangedRemoved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backends.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backends:
  a:
    transport: stdio
    command: server-a
  b:
    transport: stdio
    command: server-b
`), 0o600))

	resolver := hubtest.MapCredentials{Values: map[string]string{}}
	var diffs []Diff
	w := NewWatcher(path, resolver, func(d Diff) { diffs = append(diffs, d) })

	require.NoError(t, w.reload())
	require.Len(t, diffs, 1)
	assert.Len(t, diffs[0].Added, 2)

	require.NoError(t, os.WriteFile(path, []byte(`
backends:
  a:
    transport: stdio
    command: server-a-renamed
`), 0o600))
	require.NoError(t, w.reload())
	require.Len(t, diffs, 2)
	assert.Len(t, diffs[1].Changed, 1)
	assert.Equal(t, []string{"b"}, diffs[1].Removed)
}

func TestWatcherStartPicksUpFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backends.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backends:
  a:
    transport: stdio
    command: server-a
`), 0o600))

	resolver := hubtest.MapCredentials{Values: map[string]string{}}
	diffCh := make(chan Diff, 4)
	w := NewWatcher(path, resolver, func(d Diff) { diffCh <- d })
	require.NoError(t, w.Start())
	defer w.Stop()

	select {
	case d := <-diffCh:
		assert.Len(t, d.Added, 1)
	case <-time.After(time.Second):
		t.Fatal("expected initial load diff")
	}

	require.NoError(t, os.WriteFile(path, []byte(`
backends:
  a:
    transport: stdio
    command: server-a
  c:
    transport: stdio
    command: server-c
`), 0o600))

	select {
	case d := <-diffCh:
		assert.Len(t, d.Added, 1)
		assert.Equal(t, "c", d.Added[0].Name)
	case <-time.After(3 * time.Second):
		t.Fatal("expected reload diff after file write")
	}
}
