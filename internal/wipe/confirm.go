package wipe

import (
	"errors"
	"fmt"
	"io"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/metabinary-ltd/wipesentinel/internal/types"
)

// Confirmer asks the operator before anything destructive happens.
type Confirmer interface {
	Confirm(drives []*types.Drive, simulate bool) (bool, error)
}

// Prompt lists the drives and asks on the terminal.
type Prompt struct {
	Out io.Writer
}

func (p Prompt) Confirm(drives []*types.Drive, simulate bool) (bool, error) {
	ListDrives(p.Out, drives, simulate)
	confirm := false
	prompt := &survey.Confirm{
		Message: fmt.Sprintf("Wipe these %d drives?", len(drives)),
		Default: false,
	}
	if err := survey.AskOne(prompt, &confirm); err != nil {
		if errors.Is(err, terminal.InterruptErr) {
			return false, nil
		}
		return false, fmt.Errorf("confirmation prompt: %w", err)
	}
	return confirm, nil
}

// AutoConfirm accepts without asking. The listing is still printed when Out
// is set.
type AutoConfirm struct {
	Out io.Writer
}

func (a AutoConfirm) Confirm(drives []*types.Drive, simulate bool) (bool, error) {
	if a.Out != nil {
		ListDrives(a.Out, drives, simulate)
	}
	return true, nil
}

// ListDrives prints the drives about to be wiped.
func ListDrives(w io.Writer, drives []*types.Drive, simulate bool) {
	warn := color.New(color.FgRed, color.Bold)
	if simulate {
		warn = color.New(color.FgYellow)
		warn.Fprintln(w, "Simulation: no data will be written, created inventory entries will be removed.")
	} else {
		warn.Fprintln(w, "WARNING: ALL DATA on the following drives will be DESTROYED:")
	}
	for _, d := range drives {
		code := d.InventoryCode
		if code == "" {
			code = "-"
		}
		fmt.Fprintf(w, "  %-10s %-8s %-16s %-24s %-20s %s\n",
			d.MountPoint, code, d.Brand, d.Model, d.SerialNumber, capacity(d))
	}
}

func capacity(d *types.Drive) string {
	if d.HumanReadableCapacity != "" {
		return d.HumanReadableCapacity
	}
	if d.CapacityBytes <= 1 {
		return "?"
	}
	return humanize.Bytes(uint64(d.CapacityBytes))
}
