package collectors

import (
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/metabinary-ltd/wipesentinel/internal/types"
)

// ErrNotADrive is returned for reports without an information section,
// typically USB sticks and card readers that do not speak SMART.
var ErrNotADrive = errors.New("not a drive")

const (
	infoSectionMarker  = "=== START OF INFORMATION SECTION ==="
	smartSectionMarker = "=== START OF READ SMART DATA SECTION ==="
	ataAttrMarker      = "Vendor Specific SMART Attributes with Thresholds:"
	nvmeHealthMarker   = "SMART/Health Information"
)

// brands is ordered: longer names sharing a prefix must come first.
var brands = []string{
	"Western Digital",
	"Seagate",
	"Maxtor",
	"Hitachi",
	"Toshiba",
	"Samsung",
	"Fujitsu",
	"Apple",
	"Crucial/Micron",
	"Crucial",
	"LiteOn",
}

type vendorPrefixes struct {
	model  string
	serial string
}

// Prefixes some vendors put on model and serial strings that never appear
// on the physical label.
var vendorConventions = map[string]vendorPrefixes{
	"Western Digital": {model: "WDC ", serial: "WD-"},
}

var formFactors = map[string]types.FormFactor{
	"3.5 inches": types.FormFactor35,
	"2.5 inches": types.FormFactor25,
	"1.8 inches": types.FormFactor18,
	"M.2":        types.FormFactorM2,
}

// Parse turns one smartctl text report into a Drive. Malformed values
// degrade to defaults; the only error is ErrNotADrive.
func Parse(raw, device string, logger *slog.Logger) (*types.Drive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	_, rest, ok := strings.Cut(raw, infoSectionMarker)
	if !ok {
		return nil, ErrNotADrive
	}
	info, _, _ := strings.Cut(rest, smartSectionMarker)

	d := &types.Drive{
		Port:       types.PortUnknown,
		MountPoint: device,
		Notes:      healthNotes(raw),
	}

	sawRotation := false
	for _, line := range strings.Split(info, "\n") {
		if v, ok := valueAfter(line, "Model Family:"); ok {
			brand, family := splitBrand(v)
			d.Family = family
			if brand != "" {
				d.Brand = brand
			}
		} else if v, ok := valueAfter(line, "Model Number:"); ok {
			d.Model = applyBrand(d, v)
		} else if v, ok := valueAfter(line, "Device Model:"); ok {
			d.Model = applyBrand(d, v)
		} else if v, ok := valueAfter(line, "Serial Number:"); ok {
			d.SerialNumber = v
		} else if v, ok := valueAfter(line, "LU WWN Device Id:"); ok {
			d.WWN = v
		} else if v, ok := valueAfter(line, "Form Factor:"); ok {
			d.FormFactor = formFactors[v]
		} else if v, ok := valueAfter(line, "User Capacity:"); ok {
			d.CapacityBytes = parseCapacity(v)
			d.HumanReadableCapacity = bracketed(v)
		} else if v, ok := valueAfter(line, "Rotation Rate:"); ok {
			sawRotation = true
			applyRotation(d, v)
		}
	}
	if !sawRotation {
		d.Type = types.DriveSSD
	}

	d.Health = parseHealth(raw, info, device, logger)

	if conv, ok := vendorConventions[d.Brand]; ok {
		d.Model = strings.TrimPrefix(d.Model, conv.model)
		d.SerialNumber = strings.TrimPrefix(d.SerialNumber, conv.serial)
	}
	d.Model = strings.TrimPrefix(d.Model, "SSD ")

	if strings.Contains(d.Family, "SATA") || strings.Contains(d.Model, "SATA") || strings.Contains(raw, "SATA Version is:") {
		d.Port = types.PortSATA
	}
	return d, nil
}

func valueAfter(line, label string) (string, bool) {
	_, v, ok := strings.Cut(line, label)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func applyBrand(d *types.Drive, v string) string {
	brand, model := splitBrand(v)
	if brand != "" {
		d.Brand = brand
	}
	return model
}

// splitBrand matches s case-insensitively against the known manufacturers
// and returns the brand plus the residual string.
func splitBrand(s string) (string, string) {
	lowered := strings.ToLower(s)
	for _, b := range brands {
		if strings.HasPrefix(lowered, strings.ToLower(b)) {
			other := strings.TrimLeft(s[len(b):], "_")
			return b, strings.TrimSpace(other)
		}
	}
	return "", s
}

// parseCapacity reads the digit run before "bytes" and rounds it to three
// significant digits so equal capacity classes compare equal across vendors.
func parseCapacity(v string) int64 {
	num, _, ok := strings.Cut(v, "bytes")
	if !ok {
		return 0
	}
	num = strings.NewReplacer(",", "", ".", "", " ", "", "\u00a0", "").Replace(num)
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0
	}
	return RoundCapacity(n)
}

// RoundCapacity rounds n to the nearest multiple of 10^(floor(log10|n|)-2).
func RoundCapacity(n int64) int64 {
	if n == 0 {
		return 0
	}
	abs := n
	if abs < 0 {
		abs = -abs
	}
	magnitude := digits(abs) - 1 - 2
	if magnitude <= 0 {
		return n
	}
	p := int64(math.Pow10(magnitude))
	if n < 0 {
		return -((abs + p/2) / p * p)
	}
	return (abs + p/2) / p * p
}

// digits avoids float rounding at exact powers of ten.
func digits(n int64) int {
	c := 0
	for n > 0 {
		n /= 10
		c++
	}
	return c
}

func bracketed(v string) string {
	_, after, ok := strings.Cut(v, "[")
	if !ok {
		return ""
	}
	inner, _, ok := strings.Cut(after, "]")
	if !ok {
		return ""
	}
	return inner
}

func applyRotation(d *types.Drive, v string) {
	if strings.Contains(v, "Solid State Device") {
		d.Type = types.DriveSSD
		d.RotationRate = 0
		return
	}
	rpm, _, _ := strings.Cut(v, "rpm")
	n, err := strconv.Atoi(strings.TrimSpace(rpm))
	if err != nil || n <= 0 {
		// unparseable rate: leave type unknown so the drive fails the completeness gate
		d.Type = types.DriveUnknown
		d.RotationRate = 0
		return
	}
	d.Type = types.DriveHDD
	d.RotationRate = n
}

// parseHealth applies a fixed precedence: the overall-health line wins when
// present (last occurrence), then the SMART support line, then unset.
func parseHealth(raw, info, device string, logger *slog.Logger) types.HealthStatus {
	status := ""
	for _, line := range strings.Split(raw, "\n") {
		if !strings.Contains(line, "SMART overall-health") {
			continue
		}
		if _, v, ok := strings.Cut(line, ":"); ok {
			status = strings.TrimSpace(v)
		}
	}
	switch status {
	case "PASSED":
		return types.HealthHealthy
	case "FAILED!":
		return types.HealthFailed
	case "UNKNOWN!":
		return types.HealthUnavailable
	}

	for _, line := range strings.Split(info, "\n") {
		v, ok := valueAfter(line, "SMART support is:")
		if !ok {
			continue
		}
		if strings.Contains(v, "lacks SMART capability") {
			return types.HealthUnavailable
		}
		if strings.Contains(v, "has SMART capability") {
			logger.Warn("SMART is supported but disabled, enable it manually", "device", device)
			return types.HealthUnavailable
		}
	}
	return types.HealthUnset
}

func healthNotes(raw string) string {
	for _, marker := range []string{ataAttrMarker, nvmeHealthMarker} {
		if _, rest, ok := strings.Cut(raw, marker); ok {
			block, _, _ := strings.Cut(rest, "\n\n")
			return marker + block
		}
	}
	return ""
}
