package startup

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metabinary-ltd/wipesentinel/internal/shell"
)

func TestRunChecks(t *testing.T) {
	require.NoError(t, RunChecks(Requirements{Smartctl: "sh", Badblocks: "sh", Lsblk: "sh", Umount: "sh"}))

	err := RunChecks(Requirements{Smartctl: "sh", Badblocks: "definitely-not-installed-bb", Lsblk: "sh", Umount: "sh"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "definitely-not-installed-bb")

	assert.Error(t, RunChecks(Requirements{Smartctl: "sh", Badblocks: "sh", Lsblk: "sh", Umount: "sh", Shutdown: "no-such-shutdown"}))
	assert.Error(t, RunChecks(Requirements{}))
}

func TestRequireUID(t *testing.T) {
	assert.NoError(t, requireUID(0))
	assert.True(t, errors.Is(requireUID(1000), shell.ErrPermissionDenied))
}

func TestEnsurePaths(t *testing.T) {
	root := t.TempDir()
	journal := filepath.Join(root, "state", "journal.db")
	reports := filepath.Join(root, "reports")

	require.NoError(t, EnsurePaths(journal, ""))
	require.NoError(t, EnsureDirs(reports))

	for _, d := range []string{filepath.Dir(journal), reports} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
