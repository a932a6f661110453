package plan

import (
	"context"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/command"
	"github.com/forgebuild/forge/internal/errs"
	"github.com/forgebuild/forge/internal/fileref"
)

func noop(string) error { return nil }

func chainCommands(t *testing.T) (a, b, c *command.Command) {
	t.Helper()
	root := fileref.MustNew(t.TempDir(), "")
	aOut := root.Join("a.out")
	bOut := root.Join("b.out")
	cOut := root.Join("c.out")

	a = command.NewBuiltin("A", "a", noop, root)
	a.AddOutput(aOut)
	a.Freeze()

	b = command.NewBuiltin("B", "b", noop, root)
	b.AddInput(aOut)
	b.AddOutput(bOut)
	b.Freeze()

	c = command.NewBuiltin("C", "c", noop, root)
	c.AddInput(bOut)
	c.AddOutput(cOut)
	c.Freeze()

	return a, b, c
}

func TestBuildSeedsReadyQueueWithLeaves(t *testing.T) {
	a, b, c := chainCommands(t)
	p, err := Build([]*command.Command{a, b, c})
	require.NoError(t, err)
	assert.Equal(t, 3, p.Total())

	n, ok := p.Queue().Pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, "A", n.ID)
	assert.Equal(t, 0, p.Queue().Len())
}

func TestCompleteChainPropagatesReadiness(t *testing.T) {
	a, b, c := chainCommands(t)
	p, err := Build([]*command.Command{a, b, c})
	require.NoError(t, err)

	nA, _ := p.Node("A")
	nB, _ := p.Node("B")
	nC, _ := p.Node("C")

	assert.Equal(t, 0, nA.RemainingDeps())
	assert.Equal(t, 1, nB.RemainingDeps())
	assert.Equal(t, 1, nC.RemainingDeps())

	_, _ = p.Queue().Pop(context.Background())
	p.Complete(nA, Succeeded)

	next, ok := p.Queue().Pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, "B", next.ID)

	p.Complete(nB, Succeeded)
	next, ok = p.Queue().Pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, "C", next.ID)
	assert.Equal(t, Succeeded, nB.State())
}

func TestCompleteFailurePropagatesTransitively(t *testing.T) {
	a, b, c := chainCommands(t)
	p, err := Build([]*command.Command{a, b, c})
	require.NoError(t, err)

	nA, _ := p.Node("A")
	nB, _ := p.Node("B")
	nC, _ := p.Node("C")

	_, _ = p.Queue().Pop(context.Background())
	p.Complete(nA, Failed)

	assert.Equal(t, Failed, nB.State())
	assert.Equal(t, Failed, nC.State())
	// B and C are queued so that a worker dequeues and reports them.
	assert.Equal(t, 2, p.Queue().Len())
}

func TestBuildDetectsCycle(t *testing.T) {
	root := fileref.MustNew(t.TempDir(), "")
	x := root.Join("x")
	y := root.Join("y")

	cmdA := command.NewBuiltin("A", "a", noop, root)
	cmdA.AddInput(y)
	cmdA.AddOutput(x)
	cmdA.Freeze()

	cmdB := command.NewBuiltin("B", "b", noop, root)
	cmdB.AddInput(x)
	cmdB.AddOutput(y)
	cmdB.Freeze()

	_, err := Build([]*command.Command{cmdA, cmdB})
	require.Error(t, err)
	assert.Equal(t, errs.KindCyclicDependency, errs.KindOf(err))
}

func TestBuildRejectsOutputCollision(t *testing.T) {
	root := fileref.MustNew(t.TempDir(), "")
	shared := root.Join("shared.out")

	cmdA := command.NewBuiltin("A", "a", noop, root)
	cmdA.AddOutput(shared)
	cmdA.Freeze()

	cmdB := command.NewBuiltin("B", "b", noop, root)
	cmdB.AddOutput(shared)
	cmdB.Freeze()

	_, err := Build([]*command.Command{cmdA, cmdB})
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidCommand, errs.KindOf(err))
}

func TestSnapshotRoundTrip(t *testing.T) {
	a, b, c := chainCommands(t)
	p, err := Build([]*command.Command{a, b, c})
	require.NoError(t, err)

	nA, _ := p.Node("A")
	p.Complete(nA, Succeeded)

	data := Snapshot(p)
	decoded, err := DecodeSnapshot(data)
	require.NoError(t, err)

	want := []NodeSnapshot{
		{ID: "A", State: Succeeded},
		{ID: "B", State: Ready},
		{ID: "C", State: Pending},
	}
	sort.Slice(decoded, func(i, j int) bool { return decoded[i].ID < decoded[j].ID })
	if diff := cmp.Diff(want, decoded); diff != "" {
		t.Fatalf("decoded snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestSnapshotRejectsCorruption(t *testing.T) {
	a, b, c := chainCommands(t)
	p, err := Build([]*command.Command{a, b, c})
	require.NoError(t, err)

	data := Snapshot(p)
	data[len(data)-1] ^= 0xFF
	_, err = DecodeSnapshot(data)
	require.Error(t, err)
}
