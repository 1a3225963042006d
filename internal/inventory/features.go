package inventory

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/metabinary-ltd/wipesentinel/internal/types"
)

// Features is the inventory wire representation of an item.
type Features map[string]any

const (
	FeatureSerial = "sn"
	FeatureHealth = "smart-data"
	FeatureNotes  = "notes"
)

// Health and free-form diagnostics change between runs and never make two
// entries for the same serial conflict.
var volatileFeatures = map[string]bool{
	FeatureHealth:     true,
	FeatureNotes:      true,
	"smart-data-long": true,
}

var healthValues = map[types.HealthStatus]string{
	types.HealthHealthy:     "ok",
	types.HealthFailed:      "fail",
	types.HealthUnavailable: "not_available",
	types.HealthSuspect:     "old",
}

type field struct {
	name  string
	value func(d *types.Drive) (any, bool)
}

func str(s string) (any, bool) { return s, true }

func nonEmpty(s string) (any, bool) { return s, s != "" }

// fields maps a Drive onto inventory features. Entries reporting false are
// omitted from the payload.
var fields = []field{
	{"type", func(d *types.Drive) (any, bool) { return string(d.Type), d.Type != types.DriveUnknown }},
	{"brand", func(d *types.Drive) (any, bool) { return str(d.Brand) }},
	{"model", func(d *types.Drive) (any, bool) { return str(d.Model) }},
	{"family", func(d *types.Drive) (any, bool) { return str(d.Family) }},
	{"wwn", func(d *types.Drive) (any, bool) { return str(d.WWN) }},
	{FeatureSerial, func(d *types.Drive) (any, bool) { return str(d.SerialNumber) }},
	// the inventory uses SI-prefixed byte counts for spinning media
	{"capacity-byte", func(d *types.Drive) (any, bool) { return d.CapacityBytes, d.Type != types.DriveHDD }},
	{"capacity-decibyte", func(d *types.Drive) (any, bool) { return d.CapacityBytes, d.Type == types.DriveHDD }},
	{"human_readable_capacity", func(d *types.Drive) (any, bool) { return str(d.HumanReadableCapacity) }},
	{"spin-rate-rpm", func(d *types.Drive) (any, bool) { return d.RotationRate, d.Type == types.DriveHDD }},
	{"hdd-form-factor", func(d *types.Drive) (any, bool) { return nonEmpty(string(d.FormFactor)) }},
	{"sata-ports-n", func(d *types.Drive) (any, bool) { return 1, d.Port == types.PortSATA }},
	{"ide-ports-n", func(d *types.Drive) (any, bool) { return 1, d.Port == types.PortIDE }},
	{"mini-ide-ports-n", func(d *types.Drive) (any, bool) { return 1, d.Port == types.PortMiniIDE }},
	{FeatureHealth, func(d *types.Drive) (any, bool) { return nonEmpty(healthValues[d.Health]) }},
	{FeatureNotes, func(d *types.Drive) (any, bool) { return nonEmpty(d.Notes) }},
}

// FeaturesOf serializes d into the inventory wire format.
func FeaturesOf(d *types.Drive) Features {
	f := Features{}
	for _, fd := range fields {
		if v, ok := fd.value(d); ok {
			f[fd.name] = v
		}
	}
	return f
}

// HealthFeature returns the update payload for a health change.
func HealthFeature(h types.HealthStatus) Features {
	return Features{FeatureHealth: healthValues[h]}
}

// conflicts returns the first stored feature that disagrees with local,
// skipping volatile features.
func conflicts(stored, local Features) (string, bool) {
	for key, sv := range stored {
		if volatileFeatures[key] {
			continue
		}
		lv, ok := local[key]
		if !ok || normalize(sv) != normalize(lv) {
			return key, true
		}
	}
	return "", false
}

func normalize(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return strconv.FormatInt(n, 10)
		}
		if f, err := t.Float64(); err == nil && f == float64(int64(f)) {
			return strconv.FormatInt(int64(f), 10)
		}
		return t.String()
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprint(t)
	}
}
