// Package trigger maps scan-controller synchronization modes onto the
// trigger modes a LimaCCDs device actually advertises.
package trigger

import (
	"fmt"
	"strings"
)

// Sync is the abstract synchronization mode requested by the scan
// controller for one acquisition.
type Sync int

const (
	// SoftwareStart arms once and lets the device free-run internally.
	SoftwareStart Sync = iota

	// SoftwareTrigger issues one software trigger per point.
	SoftwareTrigger

	// SoftwareGate is gated by software; Lima has no native equivalent and
	// it maps to the same device mode as SoftwareTrigger.
	SoftwareGate

	// HardwareStart arms once and lets a single hardware signal start the
	// whole sequence.
	HardwareStart

	// HardwareTrigger issues one hardware trigger per point.
	HardwareTrigger

	// HardwareGate exposes for as long as the hardware gate is high.
	HardwareGate
)

var syncNames = [...]string{
	"SoftwareStart", "SoftwareTrigger", "SoftwareGate",
	"HardwareStart", "HardwareTrigger", "HardwareGate",
}

func (s Sync) String() string {
	if s < 0 || int(s) >= len(syncNames) {
		return fmt.Sprintf("Sync(%d)", int(s))
	}
	return syncNames[s]
}

// ParseSync resolves a synchronization mode name case-insensitively.
func ParseSync(name string) (Sync, bool) {
	for i, n := range syncNames {
		if strings.EqualFold(n, name) {
			return Sync(i), true
		}
	}
	return 0, false
}

// Mode is a concrete device-level trigger mode identifier, as written to
// the acq_trigger_mode attribute.
type Mode string

// The trigger modes understood by LimaCCDs.
const (
	InternalTrigger      Mode = "INTERNAL_TRIGGER"
	InternalTriggerMulti Mode = "INTERNAL_TRIGGER_MULTI"
	ExternalTrigger      Mode = "EXTERNAL_TRIGGER"
	ExternalTriggerMulti Mode = "EXTERNAL_TRIGGER_MULTI"
	ExternalGate         Mode = "EXTERNAL_GATE"
)

// Internal reports whether frame capture is initiated by software.
func (m Mode) Internal() bool { return strings.HasPrefix(string(m), "INTERNAL") }

// External reports whether frame capture is initiated by a hardware signal.
func (m Mode) External() bool { return strings.HasPrefix(string(m), "EXTERNAL") }

// InternalStart reports whether m is the single-start internal mode.
func (m Mode) InternalStart() bool { return m == InternalTrigger }

// InternalMulti reports whether m is the per-point internal trigger mode.
func (m Mode) InternalMulti() bool { return m == InternalTriggerMulti }

// ExternalStart reports whether m is the single-start external mode.
func (m Mode) ExternalStart() bool { return m == ExternalTrigger }

// Gate reports whether m is the hardware gate mode.
func (m Mode) Gate() bool { return m == ExternalGate }

// syncModes is the fixed synchronization to trigger-mode table.
var syncModes = map[Sync]Mode{
	SoftwareStart:   InternalTrigger,
	SoftwareTrigger: InternalTriggerMulti,
	SoftwareGate:    InternalTriggerMulti,
	HardwareStart:   ExternalTrigger,
	HardwareTrigger: ExternalTriggerMulti,
	HardwareGate:    ExternalGate,
}

// noInternalMulti lists camera types whose Lima plugin advertises
// INTERNAL_TRIGGER_MULTI but never honors it; they are silently degraded
// to INTERNAL_TRIGGER.
var noInternalMulti = map[string]bool{
	"xspress3": true,
}

// UnsupportedModeError is returned by Resolve when the device capability
// set does not include the resolved trigger mode.
type UnsupportedModeError struct {
	Mode Mode
}

func (e UnsupportedModeError) Error() string {
	return fmt.Sprintf("trigger mode %s not supported by the device", e.Mode)
}

// Resolve maps a synchronization mode onto a concrete trigger mode.
//
// capabilities is the device's advertised acq_trigger_mode value list and
// cameraType its camera_type attribute.  INTERNAL_TRIGGER_MULTI degrades to
// INTERNAL_TRIGGER when absent from the capability set or when the camera
// type is a known incompatible model; any other unsupported resolution is
// an UnsupportedModeError.
//
// Resolve never promotes Start modes; callers with nbStarts > 1 must apply
// Promote first, since a single-shot mode cannot serve multiple starts.
func Resolve(sync Sync, capabilities []string, cameraType string) (Mode, error) {
	mode := syncModes[sync]
	if mode == InternalTriggerMulti {
		if !supported(capabilities, mode) || noInternalMulti[cameraType] {
			mode = InternalTrigger
		}
	} else if !supported(capabilities, mode) {
		return "", UnsupportedModeError{Mode: mode}
	}
	return mode, nil
}

func supported(capabilities []string, m Mode) bool {
	for _, c := range capabilities {
		if Mode(c) == m {
			return true
		}
	}
	return false
}

// StartConvert selects what a hardware Start synchronization becomes when
// an acquisition needs more than one start.
type StartConvert int

const (
	// ConvertToTrigger turns HardwareStart into HardwareTrigger.
	ConvertToTrigger StartConvert = iota

	// ConvertToGate turns HardwareStart into HardwareGate.
	ConvertToGate
)

// ParseStartConvert reads the HardwareStartConvert property value.  Any
// string containing "gate" selects ConvertToGate; everything else selects
// ConvertToTrigger.
func ParseStartConvert(s string) StartConvert {
	if strings.Contains(strings.ToLower(s), "gate") {
		return ConvertToGate
	}
	return ConvertToTrigger
}

// Promote applies the one-time Start promotion for multi-start
// acquisitions: a Start mode arms the hardware exactly once, so it cannot
// serve nbStarts > 1.  SoftwareStart becomes SoftwareTrigger;
// HardwareStart becomes HardwareTrigger or HardwareGate per convert.
// All other inputs are returned unchanged.
func Promote(sync Sync, nbStarts int, convert StartConvert) Sync {
	if nbStarts <= 1 {
		return sync
	}
	switch sync {
	case SoftwareStart:
		return SoftwareTrigger
	case HardwareStart:
		if convert == ConvertToGate {
			return HardwareGate
		}
		return HardwareTrigger
	}
	return sync
}
