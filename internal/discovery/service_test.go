package discovery

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

// fakeTool writes an executable shell script standing in for a system tool.
func fakeTool(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// fakePrinter returns a tool that prints out regardless of its arguments.
func fakePrinter(t *testing.T, name, out string) string {
	t.Helper()
	data := filepath.Join(t.TempDir(), name+".out")
	require.NoError(t, os.WriteFile(data, []byte(out), 0o644))
	return fakeTool(t, name, `cat '`+data+`'`)
}

func staticMounts(mounts ...Mount) MountLister {
	return func(context.Context) ([]Mount, error) { return mounts, nil }
}

const zfsLsblk = `{"blockdevices": [
  {"name":"sda", "kname":"sda", "path":"/dev/sda", "size":256060514304, "type":"disk", "mountpoint":null, "fstype":null, "label":null,
   "children": [
     {"name":"sda1", "kname":"sda1", "path":"/dev/sda1", "size":536870912, "type":"part", "mountpoint":"/boot/efi", "fstype":"vfat", "label":null},
     {"name":"sda2", "kname":"sda2", "path":"/dev/sda2", "size":255522586624, "type":"part", "mountpoint":null, "fstype":"zfs_member", "label":"rpool"}
   ]},
  {"name":"sdb", "kname":"sdb", "path":"/dev/sdb", "size":256060514304, "type":"disk", "mountpoint":null, "fstype":null, "label":null,
   "children": [
     {"name":"sdb1", "kname":"sdb1", "path":"/dev/sdb1", "size":256059465728, "type":"part", "mountpoint":null, "fstype":"zfs_member", "label":"rpool"}
   ]},
  {"name":"sdc", "kname":"sdc", "path":"/dev/sdc", "size":1000204886016, "type":"disk", "mountpoint":null, "fstype":null, "label":null}
]}`

func TestServiceCandidates(t *testing.T) {
	s := New(fakePrinter(t, "lsblk", lsblkOutput), "umount", "zpool", slog.Default())
	cands, err := s.Candidates(context.Background())
	require.NoError(t, err)
	require.Len(t, cands, 4)
	assert.Equal(t, "WD-WCC6Y3KN1234", cands[1].Serial)
}

func TestServiceCandidatesLsblkFailure(t *testing.T) {
	s := New(fakeTool(t, "lsblk", "echo 'lsblk: failed' >&2; exit 1"), "umount", "zpool", slog.Default())
	_, err := s.Candidates(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lsblk")
}

func TestServiceIgnoreSetZfsRoot(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	status := filepath.Join(t.TempDir(), "status")
	require.NoError(t, os.WriteFile(status, []byte(zpoolStatus), 0o644))
	zpool := fakeTool(t, "zpool", `echo "$@" > '`+argsFile+`'
cat '`+status+`'`)

	s := New(fakePrinter(t, "lsblk", zfsLsblk), "umount", zpool, slog.Default()).
		WithMounts(staticMounts(zfsRootMounts...))
	ignore, err := s.IgnoreSet(context.Background())
	require.NoError(t, err)

	assert.Contains(t, ignore, "sda")
	assert.Contains(t, ignore, "sdb")
	assert.NotContains(t, ignore, "sdc")

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "status -P -L rpool", strings.TrimSpace(string(args)))
}

func TestServiceIgnoreSetWithoutZpool(t *testing.T) {
	s := New(fakePrinter(t, "lsblk", zfsLsblk), "umount", filepath.Join(t.TempDir(), "missing"), slog.Default()).
		WithMounts(staticMounts(zfsRootMounts...))
	ignore, err := s.IgnoreSet(context.Background())
	require.NoError(t, err)
	assert.Contains(t, ignore, "sdb")
	assert.NotContains(t, ignore, "sdc")
}

func TestServiceIgnoreSetMountTableFailure(t *testing.T) {
	s := New(fakePrinter(t, "lsblk", lsblkOutput), "umount", "zpool", slog.Default()).
		WithMounts(func(context.Context) ([]Mount, error) { return nil, errors.New("no /proc") })
	ignore, err := s.IgnoreSet(context.Background())
	require.NoError(t, err)
	assert.Contains(t, ignore, "sda")
	assert.Contains(t, ignore, "sdc")
}

const mountedLsblk = `{"blockdevices": [
  {"name":"sdb", "kname":"sdb", "path":"/dev/sdb", "size":1000204886016, "type":"disk", "mountpoint":null, "fstype":null,
   "children": [
     {"name":"sdb1", "kname":"sdb1", "path":"/dev/sdb1", "size":1000, "type":"part", "mountpoint":"/media/old", "fstype":"ext4",
      "children": [
        {"name":"crypt", "kname":"dm-3", "path":"/dev/mapper/crypt", "size":900, "type":"crypt", "mountpoint":"/media/old/inner", "fstype":"ext4"}
      ]},
     {"name":"sdb2", "kname":"sdb2", "path":"/dev/sdb2", "size":1000, "type":"part", "mountpoint":null, "fstype":"ext4"}
   ]}
]}`

func TestServiceUnmount(t *testing.T) {
	log := filepath.Join(t.TempDir(), "umounts")
	umount := fakeTool(t, "umount", `echo "$1" >> '`+log+`'`)
	s := New(fakePrinter(t, "lsblk", mountedLsblk), umount, "zpool", slog.Default())

	require.NoError(t, s.Unmount(context.Background(), "/dev/sdb"))
	got, err := os.ReadFile(log)
	require.NoError(t, err)
	assert.Equal(t, "/dev/mapper/crypt\n/dev/sdb1\n", string(got))
}

func TestServiceUnmountNotSuperuser(t *testing.T) {
	umount := fakeTool(t, "umount", `echo "umount: $1: must be superuser to unmount." >&2; exit 32`)
	s := New(fakePrinter(t, "lsblk", mountedLsblk), umount, "zpool", slog.Default())

	err := s.Unmount(context.Background(), "/dev/sdb")
	require.Error(t, err)
	assert.True(t, errors.Is(err, shell.ErrPermissionDenied))
}

func TestServiceUnmountBusy(t *testing.T) {
	umount := fakeTool(t, "umount", `echo "umount: $1: target is busy." >&2; exit 32`)
	s := New(fakePrinter(t, "lsblk", mountedLsblk), umount, "zpool", slog.Default())

	err := s.Unmount(context.Background(), "/dev/sdb")
	require.Error(t, err)
	assert.False(t, errors.Is(err, shell.ErrPermissionDenied))
	assert.Equal(t, 32, shell.ExitCode(err))
}
