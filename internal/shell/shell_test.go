package shell

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutput(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	out, err := Run(context.Background(), "sh", "-c", "echo hello; echo oops >&2")
	require.NoError(t, err)
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "oops")
}

func TestExitCode(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	_, err := Run(context.Background(), "sh", "-c", "exit 3")
	require.Error(t, err)
	assert.Equal(t, 3, ExitCode(err))
	assert.True(t, Started(err))

	assert.Equal(t, 0, ExitCode(nil))
}

func TestMissingBinaryNeverStarted(t *testing.T) {
	_, err := Run(context.Background(), "/nonexistent/definitely-not-a-tool")
	require.Error(t, err)
	assert.Equal(t, -1, ExitCode(err))
	assert.False(t, Started(err))
}

func TestPermissionDeniedClassification(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	for _, msg := range []string{
		"open /dev/sda: Permission denied",
		"umount: /media/old: must be superuser to unmount.",
		"badblocks: Operation not permitted while trying to open /dev/sdb",
	} {
		_, err := Run(context.Background(), "sh", "-c", "echo '"+msg+"' >&2; exit 32")
		require.Error(t, err, msg)
		assert.True(t, errors.Is(err, ErrPermissionDenied), msg)
	}

	_, err := Run(context.Background(), "sh", "-c", "echo 'umount: /media/old: target is busy.' >&2; exit 32")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrPermissionDenied))
}
