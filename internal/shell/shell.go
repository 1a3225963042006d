package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrPermissionDenied is returned when a privileged tool refuses to run.
var ErrPermissionDenied = errors.New("permission denied")

// Run executes cmd and returns its combined output. A non-zero exit is
// reported as an *exec.ExitError wrapped in the returned error; use ExitCode
// to recover the status.
func Run(ctx context.Context, cmd string, args ...string) (string, error) {
	c := exec.CommandContext(ctx, cmd, args...)
	var buf bytes.Buffer
	c.Stdout = &buf
	c.Stderr = &buf
	if err := c.Run(); err != nil {
		out := buf.String()
		if isPermissionDenied(out, err) {
			return out, fmt.Errorf("%s: %w: %w", cmd, ErrPermissionDenied, err)
		}
		return out, fmt.Errorf("%w: %s", err, strings.TrimSpace(out))
	}
	return buf.String(), nil
}

// ExitCode extracts the process exit status from an error returned by Run.
// It returns 0 for a nil error and -1 when the process never ran.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Started reports whether err came from a process that actually ran.
func Started(err error) bool {
	return ExitCode(err) >= 0
}

func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d == 0 {
		d = 15 * time.Second
	}
	return context.WithTimeout(parent, d)
}

func isPermissionDenied(out string, err error) bool {
	if errors.Is(err, os.ErrPermission) {
		return true
	}
	lower := strings.ToLower(out)
	return strings.Contains(lower, "permission denied") ||
		strings.Contains(lower, "operation not permitted") ||
		strings.Contains(lower, "must be root") ||
		strings.Contains(lower, "must be superuser")
}
