package os

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDir(t *testing.T) {
	tmp := t.TempDir()
	dir := filepath.Join(tmp, "a", "b")

	assert.False(t, FileExists(dir))
	require.NoError(t, EnsureDir(dir, 0700))
	assert.True(t, FileExists(dir))

	// existing directories are fine
	require.NoError(t, EnsureDir(dir, 0700))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
