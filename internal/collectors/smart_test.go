package collectors

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metabinary-ltd/wipesentinel/internal/shell"
)

// fakeSmartctl writes a script standing in for smartctl that records its
// arguments next to itself.
func fakeSmartctl(t *testing.T, body string) (bin, argsFile string) {
	t.Helper()
	dir := t.TempDir()
	argsFile = filepath.Join(dir, "args")
	bin = filepath.Join(dir, "smartctl")
	script := "#!/bin/sh\necho \"$@\" > '" + argsFile + "'\n" + body + "\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin, argsFile
}

func fixturePath(t *testing.T, name string) string {
	t.Helper()
	path, err := filepath.Abs(filepath.Join("testdata", name))
	require.NoError(t, err)
	return path
}

func TestInspectToleratesStatusBitmask(t *testing.T) {
	// bit 2: some SMART command failed, the report is still complete
	bin, argsFile := fakeSmartctl(t, "cat '"+fixturePath(t, "smartctl-dev-sda.txt")+"'\nexit 4")
	c := NewSmartCollector(bin, filepath.Join(t.TempDir(), "reports"), slog.Default())

	d, err := c.Collect(context.Background(), "sda")
	require.NoError(t, err)
	assert.Equal(t, "WCC6Y3KN1234", d.SerialNumber)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "-a /dev/sda", strings.TrimSpace(string(args)))

	saved, err := ReadReport(c.ReportPath("sda"))
	require.NoError(t, err)
	assert.Equal(t, readFixture(t, "smartctl-dev-sda.txt"), saved)
}

func TestInspectNotADriveStillWritesReport(t *testing.T) {
	bin, _ := fakeSmartctl(t, `echo "/dev/sdz: Unable to detect device type"; exit 1`)
	c := NewSmartCollector(bin, t.TempDir(), slog.Default())

	_, err := c.Collect(context.Background(), "/dev/sdz")
	assert.True(t, errors.Is(err, ErrNotADrive))
	_, err = os.Stat(c.ReportPath("/dev/sdz"))
	assert.NoError(t, err)
}

func TestInspectPermissionDenied(t *testing.T) {
	bin, _ := fakeSmartctl(t, `echo "Smartctl open device: /dev/sda failed: Permission denied"; exit 2`)
	c := NewSmartCollector(bin, t.TempDir(), slog.Default())

	_, err := c.Inspect(context.Background(), "sda")
	require.Error(t, err)
	assert.True(t, errors.Is(err, shell.ErrPermissionDenied))
	_, statErr := os.Stat(c.ReportPath("sda"))
	assert.True(t, os.IsNotExist(statErr), "no report is kept for a refused device")
}

func TestInspectMissingBinary(t *testing.T) {
	c := NewSmartCollector(filepath.Join(t.TempDir(), "missing"), t.TempDir(), slog.Default())
	_, err := c.Inspect(context.Background(), "sda")
	require.Error(t, err)
	assert.False(t, shell.Started(err))
}
