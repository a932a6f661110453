package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/buildctx"
	"github.com/forgebuild/forge/internal/command"
	"github.com/forgebuild/forge/internal/config"
	"github.com/forgebuild/forge/internal/fileref"
	"github.com/forgebuild/forge/internal/plan"
)

func newCtx(t *testing.T) (*buildctx.BuildContext, fileref.FileRef) {
	t.Helper()
	projectRoot := t.TempDir()
	storageRoot := filepath.Join(t.TempDir(), "storage")
	bc, err := buildctx.New(config.Config{
		ProjectRoot: projectRoot,
		StorageRoot: storageRoot,
		Workers:     2,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bc.Close() })
	return bc, fileref.MustNew(projectRoot, "")
}

func TestExecutorRunsChainThenSkipsOnRerun(t *testing.T) {
	bc, root := newCtx(t)
	aOut := root.Join("a.out")
	bOut := root.Join("b.out")

	a := command.NewBuiltin("A", "a", func(string) error {
		return os.WriteFile(aOut.String(), []byte("a"), 0o644)
	}, root).Hashable(true)
	a.AddOutput(aOut)
	a.Freeze()

	b := command.NewBuiltin("B", "b", func(string) error {
		return os.WriteFile(bOut.String(), []byte("b"), 0o644)
	}, root).Hashable(true)
	b.AddInput(aOut)
	b.AddOutput(bOut)
	b.Freeze()

	p, err := plan.Build([]*command.Command{a, b})
	require.NoError(t, err)

	outcomes, err := New(bc, p, 2).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Equal(t, plan.Succeeded, o.State)
	}

	p2, err := plan.Build([]*command.Command{a, b})
	require.NoError(t, err)
	outcomes2, err := New(bc, p2, 2).Run(context.Background())
	require.NoError(t, err)
	for _, o := range outcomes2 {
		assert.Equal(t, plan.Skipped, o.State)
	}
}

func TestExecutorPropagatesFailureWithoutKeepGoing(t *testing.T) {
	bc, root := newCtx(t)
	aOut := root.Join("a.out")
	bOut := root.Join("b.out")

	a := command.NewBuiltin("A", "a", func(string) error {
		return assert.AnError
	}, root).Hashable(true)
	a.AddOutput(aOut)
	a.Freeze()

	b := command.NewBuiltin("B", "b", func(string) error {
		return os.WriteFile(bOut.String(), []byte("b"), 0o644)
	}, root).Hashable(true)
	b.AddInput(aOut)
	b.AddOutput(bOut)
	b.Freeze()

	p, err := plan.Build([]*command.Command{a, b})
	require.NoError(t, err)

	outcomes, err := New(bc, p, 2).Run(context.Background())
	require.Error(t, err)

	byID := map[string]plan.State{}
	for _, o := range outcomes {
		byID[o.Node.ID] = o.State
	}
	assert.Equal(t, plan.Failed, byID["A"])
	assert.Equal(t, plan.Failed, byID["B"])
}

func TestExecutorPlanPreviewsWithoutRunning(t *testing.T) {
	bc, root := newCtx(t)
	aOut := root.Join("a.out")

	ran := false
	a := command.NewBuiltin("A", "a", func(string) error {
		ran = true
		return os.WriteFile(aOut.String(), []byte("a"), 0o644)
	}, root).Hashable(true)
	a.AddOutput(aOut)
	a.Freeze()

	p, err := plan.Build([]*command.Command{a})
	require.NoError(t, err)

	entries, err := New(bc, p, 2).Plan(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Fresh)
	assert.False(t, ran)
}

func TestExecutorKeepGoingRunsIndependentSiblings(t *testing.T) {
	projectRoot := t.TempDir()
	storageRoot := filepath.Join(t.TempDir(), "storage")
	bc, err := buildctx.New(config.Config{
		ProjectRoot: projectRoot,
		StorageRoot: storageRoot,
		Workers:     2,
		KeepGoing:   true,
	}, nil)
	require.NoError(t, err)
	defer bc.Close()
	root := fileref.MustNew(projectRoot, "")

	aOut := root.Join("a.out")
	cOut := root.Join("c.out")

	failing := command.NewBuiltin("A", "a", func(string) error {
		return assert.AnError
	}, root).Hashable(true)
	failing.AddOutput(aOut)
	failing.Freeze()

	independent := command.NewBuiltin("C", "c", func(string) error {
		return os.WriteFile(cOut.String(), []byte("c"), 0o644)
	}, root).Hashable(true)
	independent.AddOutput(cOut)
	independent.Freeze()

	p, err := plan.Build([]*command.Command{failing, independent})
	require.NoError(t, err)

	outcomes, err := New(bc, p, 2).Run(context.Background())
	require.Error(t, err)

	byID := map[string]plan.State{}
	for _, o := range outcomes {
		byID[o.Node.ID] = o.State
	}
	assert.Equal(t, plan.Failed, byID["A"])
	assert.Equal(t, plan.Succeeded, byID["C"])
}
