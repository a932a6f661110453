package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/command"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/fileref"
)

func noopCtx() context.Context { return context.Background() }

func noopExecOpts() command.ExecuteOptions { return command.ExecuteOptions{} }

// scenario helpers mirror S1/S2/S3 from spec.md §8 (two-node chain: A writes
// out/a.txt, B reads out/a.txt and writes out/b.txt).

func setupChain(t *testing.T) (root fileref.FileRef, a, b *command.Command) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "out"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "a.in"), []byte("seed"), 0o644))

	root = fileref.MustNew(dir, "")
	aIn := fileref.MustNew(filepath.Join(dir, "src", "a.in"), "")
	aOut := fileref.MustNew(filepath.Join(dir, "out", "a.txt"), "")
	bOut := fileref.MustNew(filepath.Join(dir, "out", "b.txt"), "")

	a = command.NewBuiltin("A", "write-a", func(string) error {
		return os.WriteFile(aOut.String(), []byte("hi"), 0o644)
	}, root).Hashable(true)
	a.AddInput(aIn)
	a.AddOutput(aOut)
	a.Freeze()

	b = command.NewBuiltin("B", "write-b", func(string) error {
		return os.WriteFile(bOut.String(), []byte("HI"), 0o644)
	}, root).Hashable(true)
	b.AddInput(aOut)
	b.AddOutput(bOut)
	b.Freeze()

	return root, a, b
}

func runFresh(t *testing.T, s *Storage, c *command.Command, root fileref.FileRef, cache *digest.Cache) bool {
	t.Helper()
	fresh, err := s.Decide(c, root, cache)
	require.NoError(t, err)
	if !fresh.Fresh {
		_, err := c.Execute(noopCtx(), noopExecOpts())
		require.NoError(t, err)

		outputs := map[string]digest.Digest{}
		for _, out := range c.Outputs().List() {
			d, err := cache.Compute(out.String())
			require.NoError(t, err)
			outputs[out.RelativeTo(root)] = d
		}
		require.NoError(t, s.Record(fresh.Fingerprint, outputs, 0))
	}
	return fresh.Fresh
}

func TestS1CleanBuildThenSkip(t *testing.T) {
	root, a, b := setupChain(t)
	s := openStorage(t)
	cache := digest.NewCache(s)

	freshA := runFresh(t, s, a, root, cache)
	freshB := runFresh(t, s, b, root, cache)
	assert.False(t, freshA)
	assert.False(t, freshB)

	freshA2 := runFresh(t, s, a, root, cache)
	freshB2 := runFresh(t, s, b, root, cache)
	assert.True(t, freshA2)
	assert.True(t, freshB2)
}

func TestS2InputModificationReRuns(t *testing.T) {
	root, a, b := setupChain(t)
	s := openStorage(t)
	cache := digest.NewCache(s)

	runFresh(t, s, a, root, cache)
	runFresh(t, s, b, root, cache)

	time.Sleep(2 * time.Millisecond)
	inPath := filepath.Join(root.String(), "src", "a.in")
	require.NoError(t, os.WriteFile(inPath, []byte("changed"), 0o644))
	cache.Invalidate(inPath)

	freshA := runFresh(t, s, a, root, cache)
	freshB := runFresh(t, s, b, root, cache)
	assert.False(t, freshA)
	assert.False(t, freshB)
}

func TestS3MissingOutputReRuns(t *testing.T) {
	root, a, b := setupChain(t)
	s := openStorage(t)
	cache := digest.NewCache(s)

	runFresh(t, s, a, root, cache)
	runFresh(t, s, b, root, cache)

	outPath := filepath.Join(root.String(), "out", "a.txt")
	require.NoError(t, os.Remove(outPath))
	cache.Invalidate(outPath)

	freshA := runFresh(t, s, a, root, cache)
	assert.False(t, freshA)
}
