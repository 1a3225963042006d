package startup

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/metabinary-ltd/wipesentinel/internal/shell"
)

type Requirements struct {
	Smartctl  string
	Badblocks string
	Lsblk     string
	Umount    string
	// Shutdown is only checked when power-off was requested.
	Shutdown string
}

func RunChecks(req Requirements) error {
	for _, bin := range []string{req.Smartctl, req.Badblocks, req.Lsblk, req.Umount} {
		if err := ensureBinary(bin); err != nil {
			return err
		}
	}
	if req.Shutdown != "" {
		if err := ensureBinary(req.Shutdown); err != nil {
			return err
		}
	}
	return nil
}

func ensureBinary(name string) error {
	if name == "" {
		return fmt.Errorf("binary not specified")
	}
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("required binary not found: %s", name)
	}
	return nil
}

// RequireRoot fails unless the process runs with euid 0. Reading diagnostics
// and writing to raw devices both need it.
func RequireRoot() error {
	return requireUID(os.Geteuid())
}

func requireUID(euid int) error {
	if euid != 0 {
		return fmt.Errorf("running as uid %d: %w", euid, shell.ErrPermissionDenied)
	}
	return nil
}

// EnsureDirs creates each directory, including parents.
func EnsureDirs(dirs ...string) error {
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("cannot create dir %s: %w", d, err)
		}
	}
	return nil
}

// EnsurePaths creates the parent directory of each file path.
func EnsurePaths(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := EnsureDirs(filepath.Dir(p)); err != nil {
			return err
		}
	}
	return nil
}
