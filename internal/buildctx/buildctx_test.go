package buildctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/config"
)

func TestNewOpensStorageAndClose(t *testing.T) {
	dir := t.TempDir()
	bc, err := New(config.Config{StorageRoot: dir, Workers: 2}, nil)
	require.NoError(t, err)
	defer bc.Close()

	assert.NotEqual(t, "", bc.RunID.String())
	assert.NotNil(t, bc.Storage)
	assert.NotNil(t, bc.Digests)
	assert.NotNil(t, bc.Pools)
	assert.Contains(t, bc.ScratchDir(), bc.RunID.String())
}

func TestTwoRunsGetDistinctRunIDs(t *testing.T) {
	dir := t.TempDir()
	bc1, err := New(config.Config{StorageRoot: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, bc1.Close())

	bc2, err := New(config.Config{StorageRoot: dir}, nil)
	require.NoError(t, err)
	defer bc2.Close()

	assert.NotEqual(t, bc1.RunID, bc2.RunID)
}
