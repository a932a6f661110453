package hasher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/command"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/fileref"
)

func buildCmd(projectRoot fileref.FileRef, extraEnv map[string]string) *command.Command {
	program := fileref.MustNew("/usr/bin/cc", "")
	in := fileref.MustNew(string(projectRoot)+"/src/a.c", "")
	c := command.New("compile a.c", program, []string{"-c", string(projectRoot) + "/src/a.c", "-o", "out/a.o"}, projectRoot)
	c.AddInput(in)
	for k, v := range extraEnv {
		c.SetEnv(k, v)
	}
	return c.Freeze()
}

func TestComputeDeterministicRegardlessOfEnvInsertionOrder(t *testing.T) {
	root := fileref.MustNew("/proj", "")
	digests := map[fileref.FileRef]digest.Digest{
		fileref.MustNew(string(root)+"/src/a.c", ""): {StrongHash: [16]byte{1, 2, 3}},
	}

	c1 := buildCmd(root, map[string]string{"A": "1", "B": "2"})
	c2 := buildCmd(root, map[string]string{"B": "2", "A": "1"})

	fp1, err := Compute(c1, Inputs{ProjectRoot: root, InputDigests: digests})
	require.NoError(t, err)
	fp2, err := Compute(c2, Inputs{ProjectRoot: root, InputDigests: digests})
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2)
}

func TestComputeSameAcrossDifferentProjectRootsViaCanonicalisation(t *testing.T) {
	digestValue := digest.Digest{StrongHash: [16]byte{9, 9, 9}}

	rootA := fileref.MustNew("/home/alice/proj", "")
	cmdA := buildCmd(rootA, nil)
	digestsA := map[fileref.FileRef]digest.Digest{
		fileref.MustNew(string(rootA)+"/src/a.c", ""): digestValue,
	}
	fpA, err := Compute(cmdA, Inputs{ProjectRoot: rootA, InputDigests: digestsA})
	require.NoError(t, err)

	rootB := fileref.MustNew("/var/build/proj", "")
	cmdB := buildCmd(rootB, nil)
	digestsB := map[fileref.FileRef]digest.Digest{
		fileref.MustNew(string(rootB)+"/src/a.c", ""): digestValue,
	}
	fpB, err := Compute(cmdB, Inputs{ProjectRoot: rootB, InputDigests: digestsB})
	require.NoError(t, err)

	assert.Equal(t, fpA, fpB)
}

func TestComputeChangesWhenInputDigestChanges(t *testing.T) {
	root := fileref.MustNew("/proj", "")
	c := buildCmd(root, nil)
	inputPath := fileref.MustNew(string(root)+"/src/a.c", "")

	fp1, err := Compute(c, Inputs{ProjectRoot: root, InputDigests: map[fileref.FileRef]digest.Digest{
		inputPath: {StrongHash: [16]byte{1}},
	}})
	require.NoError(t, err)

	fp2, err := Compute(c, Inputs{ProjectRoot: root, InputDigests: map[fileref.FileRef]digest.Digest{
		inputPath: {StrongHash: [16]byte{2}},
	}})
	require.NoError(t, err)

	assert.NotEqual(t, fp1, fp2)
}

func TestParseHexRoundTrip(t *testing.T) {
	root := fileref.MustNew("/proj", "")
	c := buildCmd(root, nil)
	fp, err := Compute(c, Inputs{ProjectRoot: root})
	require.NoError(t, err)

	parsed, err := ParseHex(fp.Hex())
	require.NoError(t, err)
	assert.Equal(t, fp, parsed)
}
