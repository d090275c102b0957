package playbook

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loaderPlaybook = `
name: sample
steps:
  - id: a
    type: utility.log
    parameters:
      message: hi
`

func newTestLoader(t *testing.T) (*Loader, string) {
	t.Helper()
	dir := t.TempDir()
	loader, err := NewLoader(dir)
	require.NoError(t, err)
	return loader, dir
}

func writePlaybook(t *testing.T, dir, rel, body string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoaderLoadAndCache(t *testing.T) {
	loader, dir := newTestLoader(t)
	writePlaybook(t, dir, "sample.yaml", loaderPlaybook)

	pb, err := loader.Load("sample.yaml")
	require.NoError(t, err)
	assert.Equal(t, "sample", pb.Name)

	// unchanged mtime returns the cached parse
	again, err := loader.Load("sample.yaml")
	require.NoError(t, err)
	assert.Same(t, pb, again)
}

func TestLoaderReloadsOnMtimeChange(t *testing.T) {
	loader, dir := newTestLoader(t)
	writePlaybook(t, dir, "sample.yaml", loaderPlaybook)

	pb, err := loader.Load("sample.yaml")
	require.NoError(t, err)

	updated := "name: renamed\nsteps:\n  - id: a\n    type: utility.log\n"
	path := filepath.Join(dir, "sample.yaml")
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	// mtime granularity on some filesystems is one second
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	again, err := loader.Load("sample.yaml")
	require.NoError(t, err)
	assert.NotSame(t, pb, again)
	assert.Equal(t, "renamed", again.Name)
}

func TestLoaderMissingFile(t *testing.T) {
	loader, _ := newTestLoader(t)
	_, err := loader.Load("absent.yaml")
	require.Error(t, err)
}

func TestLoaderRejectsEscapingPaths(t *testing.T) {
	loader, _ := newTestLoader(t)
	for _, p := range []string{"", "../outside.yaml", "/etc/passwd", "a/../../b.yaml"} {
		_, err := loader.Load(p)
		require.Error(t, err, "path %q must be rejected", p)
	}
}

func TestLoaderRejectsSymlinkComponents(t *testing.T) {
	loader, dir := newTestLoader(t)

	outside := t.TempDir()
	writePlaybook(t, outside, "real.yaml", loaderPlaybook)
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "link")))

	_, err := loader.Load("link/real.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symlink")
}

func TestLoaderList(t *testing.T) {
	loader, dir := newTestLoader(t)
	writePlaybook(t, dir, "top.yaml", loaderPlaybook)
	writePlaybook(t, dir, "nested/child.yml", loaderPlaybook)
	writePlaybook(t, dir, "notes.txt", "not a playbook")

	paths, err := loader.List("")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"top.yaml", filepath.Join("nested", "child.yml")}, paths)

	only, err := loader.List("*.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"top.yaml"}, only)
}

func TestLoaderWatchEvictsCache(t *testing.T) {
	loader, dir := newTestLoader(t)
	writePlaybook(t, dir, "sample.yaml", loaderPlaybook)
	require.NoError(t, loader.Watch())
	defer loader.Close()

	pb, err := loader.Load("sample.yaml")
	require.NoError(t, err)

	updated := "name: renamed\nsteps:\n  - id: a\n    type: utility.log\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sample.yaml"), []byte(updated), 0o644))

	// the watcher drops the cache entry even when mtime resolution
	// would otherwise hide the rewrite
	require.Eventually(t, func() bool {
		again, err := loader.Load("sample.yaml")
		return err == nil && again != pb && again.Name == "renamed"
	}, 3*time.Second, 20*time.Millisecond)
}
