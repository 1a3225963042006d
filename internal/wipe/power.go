package wipe

import (
	"context"
	"fmt"

	"github.com/metabinary-ltd/wipesentinel/internal/shell"
)

type PowerController interface {
	PowerOff(ctx context.Context) error
}

// Shutdown powers the host off with shutdown(8).
type Shutdown struct {
	BinPath string
}

func (s Shutdown) PowerOff(ctx context.Context) error {
	ctx, cancel := shell.WithTimeout(ctx, 0)
	defer cancel()
	if _, err := shell.Run(ctx, s.BinPath, "-h", "now"); err != nil {
		return fmt.Errorf("power off: %w", err)
	}
	return nil
}
