package wipe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/metabinary-ltd/wipesentinel/internal/shell"
)

// ErrDeviceGone is returned when the target device disappeared before the
// wipe could start.
var ErrDeviceGone = errors.New("device not present")

// Wiper overwrites and verifies one device. The returned exit code is the
// tool's status; a non-nil error means the tool could not be run at all.
type Wiper interface {
	Wipe(ctx context.Context, device, logPath string) (int, error)
}

// Badblocks runs a destructive write-mode badblocks pass.
type Badblocks struct {
	binPath string
	pattern string
	logger  *slog.Logger
}

func NewBadblocks(binPath, pattern string, logger *slog.Logger) *Badblocks {
	return &Badblocks{binPath: binPath, pattern: pattern, logger: logger}
}

func (b *Badblocks) Wipe(ctx context.Context, device, logPath string) (int, error) {
	dev := devicePath(device)
	if _, err := os.Stat(dev); errors.Is(err, fs.ErrNotExist) {
		return -1, fmt.Errorf("%s: %w", dev, ErrDeviceGone)
	}

	// no timeout: a full pass is bounded only by device speed
	b.logger.Info("badblocks started", "device", device, "pattern", b.pattern, "log", logPath)
	out, err := shell.Run(ctx, b.binPath, "-w", "-t", b.pattern, "-o", logPath, dev)
	if err == nil {
		return 0, nil
	}
	if errors.Is(err, shell.ErrPermissionDenied) || !shell.Started(err) {
		return shell.ExitCode(err), fmt.Errorf("badblocks on %s: %w", device, err)
	}
	b.logger.Warn("badblocks exited with errors", "device", device, "status", shell.ExitCode(err),
		"output", lastLine(out))
	return shell.ExitCode(err), nil
}

// hasDefects reports whether the defect log at path has any content. A
// missing log counts as empty.
func hasDefects(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Size() > 0, nil
}

func devicePath(device string) string {
	if strings.HasPrefix(device, "/") {
		return device
	}
	return "/dev/" + device
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
