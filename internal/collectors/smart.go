package collectors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/metabinary-ltd/wipesentinel/internal/shell"
	"github.com/metabinary-ltd/wipesentinel/internal/types"
)

// ErrReportUnavailable means the diagnostic report for a device could not be read.
var ErrReportUnavailable = errors.New("report unavailable")

type SmartCollector struct {
	logger    *slog.Logger
	binPath   string
	reportDir string
}

func NewSmartCollector(binPath, reportDir string, logger *slog.Logger) *SmartCollector {
	return &SmartCollector{binPath: binPath, reportDir: reportDir, logger: logger}
}

// ReportPath is where the report for device is written and read back from.
func (c *SmartCollector) ReportPath(device string) string {
	name := strings.TrimPrefix(device, "/dev/")
	name = strings.ReplaceAll(name, "/", "-")
	return filepath.Join(c.reportDir, "smartctl-dev-"+name+".txt")
}

// Inspect runs smartctl against device, stores the report and returns its text.
func (c *SmartCollector) Inspect(ctx context.Context, device string) (string, error) {
	ctx, cancel := shell.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	// smartctl uses a bitmask exit status; a report is still printed for most non-zero values
	out, err := shell.Run(ctx, c.binPath, "-a", devicePath(device))
	if errors.Is(err, shell.ErrPermissionDenied) {
		return "", err
	}
	if err != nil && !shell.Started(err) {
		return "", fmt.Errorf("run smartctl on %s: %w", device, err)
	}
	if err != nil {
		c.logger.Debug("smartctl returned non-zero status", "device", device, "status", shell.ExitCode(err))
	}

	path := c.ReportPath(device)
	if err := os.MkdirAll(c.reportDir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return ReadReport(path)
}

// Collect inspects device and parses the resulting report.
func (c *SmartCollector) Collect(ctx context.Context, device string) (*types.Drive, error) {
	raw, err := c.Inspect(ctx, device)
	if err != nil {
		return nil, err
	}
	return Parse(raw, device, c.logger)
}

func ReadReport(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", filepath.Base(path), ErrReportUnavailable)
		}
		if errors.Is(err, fs.ErrPermission) {
			return "", fmt.Errorf("%s: %w", filepath.Base(path), shell.ErrPermissionDenied)
		}
		return "", fmt.Errorf("read report %s: %w", filepath.Base(path), err)
	}
	return string(b), nil
}

func devicePath(device string) string {
	if strings.HasPrefix(device, "/") {
		return device
	}
	return "/dev/" + device
}
