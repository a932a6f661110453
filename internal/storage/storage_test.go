package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/fileref"
	"github.com/forgebuild/forge/internal/hasher"
)

func readAll(path string) ([]byte, error)     { return os.ReadFile(path) }
func writeAll(path string, data []byte) error { return os.WriteFile(path, data, 0o644) }

func openStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndLookupRoundTrip(t *testing.T) {
	s := openStorage(t)

	var fp hasher.Fingerprint
	fp[0] = 0xAB

	outputs := map[string]digest.Digest{
		"out/a.txt": {StrongHash: [16]byte{1, 2, 3}},
	}
	require.NoError(t, s.Record(fp, outputs, 0))

	rec, ok := s.Lookup(fp)
	require.True(t, ok)
	assert.Equal(t, int32(0), rec.ExitCode)
	assert.Equal(t, outputs["out/a.txt"], rec.Outputs["out/a.txt"])
}

func TestLookupMissingFingerprint(t *testing.T) {
	s := openStorage(t)
	var fp hasher.Fingerprint
	_, ok := s.Lookup(fp)
	assert.False(t, ok)
}

func TestReopenReplaysLog(t *testing.T) {
	root := t.TempDir()
	s1, err := Open(root, nil)
	require.NoError(t, err)

	var fp hasher.Fingerprint
	fp[1] = 7
	require.NoError(t, s1.Record(fp, map[string]digest.Digest{"x": {StrongHash: [16]byte{9}}}, 0))
	require.NoError(t, s1.Close())

	s2, err := Open(root, nil)
	require.NoError(t, err)
	defer s2.Close()

	rec, ok := s2.Lookup(fp)
	require.True(t, ok)
	assert.Equal(t, [16]byte{9}, rec.Outputs["x"].StrongHash)
}

func TestClaimOutputDetectsCollision(t *testing.T) {
	s := openStorage(t)
	var fpA, fpB hasher.Fingerprint
	fpA[0] = 1
	fpB[0] = 2

	ref := fileref.MustNew("/tmp/out/shared.o", "")
	require.NoError(t, s.ClaimOutput(ref, fpA))
	err := s.ClaimOutput(ref, fpB)
	require.Error(t, err)
}

func TestClaimOutputSameFingerprintIsIdempotent(t *testing.T) {
	s := openStorage(t)
	var fp hasher.Fingerprint
	fp[0] = 5

	ref := fileref.MustNew("/tmp/out/a.o", "")
	require.NoError(t, s.ClaimOutput(ref, fp))
	require.NoError(t, s.ClaimOutput(ref, fp))
}

func TestTruncatedTrailingRecordIsIgnored(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, nil)
	require.NoError(t, err)
	var fp hasher.Fingerprint
	fp[0] = 3
	require.NoError(t, s.Record(fp, map[string]digest.Digest{"a": {}}, 0))
	require.NoError(t, s.Close())

	logPath := filepath.Join(root, logFileName)
	data, err := readAll(logPath)
	require.NoError(t, err)
	require.NoError(t, writeAll(logPath, data[:len(data)-3]))

	s2, err := Open(root, nil)
	require.NoError(t, err)
	defer s2.Close()
	_, ok := s2.Lookup(fp)
	assert.False(t, ok)
}
