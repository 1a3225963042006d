package types

import (
	"errors"
	"time"
)

// ErrIncompleteDrive marks a Drive that is missing identity or health fields.
var ErrIncompleteDrive = errors.New("incomplete drive data")

type DriveType string

const (
	DriveUnknown DriveType = ""
	DriveHDD     DriveType = "hdd"
	DriveSSD     DriveType = "ssd"
)

type FormFactor string

const (
	FormFactorUnset FormFactor = ""
	FormFactor35    FormFactor = "3.5"
	FormFactor25    FormFactor = "2.5-7mm"
	FormFactor18    FormFactor = "1.8-8mm"
	FormFactorM2    FormFactor = "m2"
)

type PortKind string

const (
	PortUnknown PortKind = "unknown"
	PortSATA    PortKind = "sata"
	PortIDE     PortKind = "ide"
	PortMiniIDE PortKind = "mini-ide"
)

type HealthStatus string

const (
	HealthUnset       HealthStatus = ""
	HealthHealthy     HealthStatus = "healthy"
	HealthFailed      HealthStatus = "failed"
	HealthUnavailable HealthStatus = "unavailable"
	HealthSuspect     HealthStatus = "suspect"
)

// Drive is one physical storage device observed during a run.
type Drive struct {
	Type                  DriveType    `json:"type"`
	Brand                 string       `json:"brand"`
	Model                 string       `json:"model"`
	Family                string       `json:"family,omitempty"`
	WWN                   string       `json:"wwn,omitempty"`
	SerialNumber          string       `json:"serial_number"`
	FormFactor            FormFactor   `json:"form_factor,omitempty"`
	CapacityBytes         int64        `json:"capacity_bytes"`
	HumanReadableCapacity string       `json:"human_readable_capacity,omitempty"`
	RotationRate          int          `json:"rotation_rate,omitempty"` // rpm, hdd only
	Port                  PortKind     `json:"port_kind"`
	Health                HealthStatus `json:"health_status"`
	Notes                 string       `json:"notes,omitempty"`
	MountPoint            string       `json:"mount_point"`
	InventoryCode         string       `json:"inventory_code,omitempty"`
}

// Missing lists the fields that still hold their default value.
func (d *Drive) Missing() []string {
	var missing []string
	if d.Health == HealthUnset {
		missing = append(missing, "health_status")
	}
	if d.Brand == "" {
		missing = append(missing, "brand")
	}
	if d.Model == "" {
		missing = append(missing, "model")
	}
	if d.Type == DriveUnknown {
		missing = append(missing, "type")
	}
	if d.CapacityBytes <= 0 {
		missing = append(missing, "capacity_bytes")
	}
	if d.FormFactor == FormFactorUnset {
		missing = append(missing, "form_factor")
	}
	if d.Port == PortUnknown || d.Port == "" {
		missing = append(missing, "port_kind")
	}
	if d.SerialNumber == "" {
		missing = append(missing, "serial_number")
	}
	return missing
}

func (d *Drive) Complete() bool {
	return len(d.Missing()) == 0
}

// Backfill replaces only the missing fields with synthetic placeholders.
// It is meant for debug runs that want incomplete drives in the pipeline.
func (d *Drive) Backfill() {
	if d.Health == HealthUnset {
		d.Health = HealthUnavailable
	}
	if d.Brand == "" {
		d.Brand = "placeholder"
	}
	if d.Model == "" {
		d.Model = "placeholder"
	}
	if d.Type == DriveUnknown {
		d.Type = DriveSSD
		d.RotationRate = 0
	}
	if d.CapacityBytes <= 0 {
		d.CapacityBytes = 1
	}
	if d.FormFactor == FormFactorUnset {
		d.FormFactor = FormFactor25
	}
	if d.Port == PortUnknown || d.Port == "" {
		d.Port = PortSATA
	}
	if d.SerialNumber == "" {
		d.SerialNumber = "placeholder-" + d.MountPoint
	}
}

// TestDrive builds the synthetic drive used when test drives are allowed.
func TestDrive(device string) *Drive {
	return &Drive{
		Type:          DriveSSD,
		Brand:         "TEST",
		Model:         "TEST",
		SerialNumber:  "TEST-" + device,
		FormFactor:    FormFactor25,
		CapacityBytes: 1,
		Port:          PortSATA,
		Health:        HealthHealthy,
		MountPoint:    device,
	}
}

type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeRunning Outcome = "running"
	OutcomeClean   Outcome = "clean"
	OutcomeBroken  Outcome = "broken"
	OutcomeError   Outcome = "error"
)

// Terminal reports whether the outcome ends the task lifecycle.
func (o Outcome) Terminal() bool {
	return o == OutcomeClean || o == OutcomeBroken || o == OutcomeError
}

// WipeTask is one wipe job bound to one accepted Drive.
type WipeTask struct {
	Drive     *Drive        `json:"drive"`
	LogPath   string        `json:"log_path"`
	Outcome   Outcome       `json:"outcome"`
	ExitCode  int           `json:"exit_code"`
	Error     string        `json:"error,omitempty"`
	Reported  bool          `json:"reported,omitempty"`
	Simulated bool          `json:"simulated,omitempty"`
	Duration  time.Duration `json:"duration"`
}

type Summary struct {
	RunID      string     `json:"run_id"`
	Simulated  bool       `json:"simulated"`
	Inventory  bool       `json:"inventory"`
	Ignored    []string   `json:"ignored,omitempty"`
	Skipped    []string   `json:"skipped,omitempty"`
	Conflicts  []string   `json:"conflicts,omitempty"`
	Tasks      []WipeTask `json:"tasks"`
	RolledBack int        `json:"rolled_back,omitempty"`
	StartedAt  int64      `json:"started_at"`
	FinishedAt int64      `json:"finished_at"`
}

// Count returns how many tasks ended with the given outcome.
func (s Summary) Count(o Outcome) int {
	n := 0
	for _, t := range s.Tasks {
		if t.Outcome == o {
			n++
		}
	}
	return n
}
