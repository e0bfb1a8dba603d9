package trigger

import (
	"errors"
	"testing"
)

var allModes = []string{
	"INTERNAL_TRIGGER",
	"INTERNAL_TRIGGER_MULTI",
	"EXTERNAL_TRIGGER",
	"EXTERNAL_TRIGGER_MULTI",
	"EXTERNAL_GATE",
}

func TestResolveTable(t *testing.T) {
	cases := []struct {
		sync Sync
		want Mode
	}{
		{SoftwareStart, InternalTrigger},
		{SoftwareTrigger, InternalTriggerMulti},
		{SoftwareGate, InternalTriggerMulti},
		{HardwareStart, ExternalTrigger},
		{HardwareTrigger, ExternalTriggerMulti},
		{HardwareGate, ExternalGate},
	}
	for _, tc := range cases {
		got, err := Resolve(tc.sync, allModes, "pilatus")
		if err != nil {
			t.Fatalf("%v: %v", tc.sync, err)
		}
		if got != tc.want {
			t.Errorf("%v resolved to %s, want %s", tc.sync, got, tc.want)
		}
	}
}

func TestResolveDegradesInternalMultiByCapability(t *testing.T) {
	caps := []string{"INTERNAL_TRIGGER", "EXTERNAL_TRIGGER"}
	got, err := Resolve(SoftwareTrigger, caps, "pilatus")
	if err != nil {
		t.Fatal(err)
	}
	if got != InternalTrigger {
		t.Errorf("resolved to %s, want degraded INTERNAL_TRIGGER", got)
	}
}

func TestResolveDegradesInternalMultiByCameraType(t *testing.T) {
	got, err := Resolve(SoftwareTrigger, allModes, "xspress3")
	if err != nil {
		t.Fatal(err)
	}
	if got != InternalTrigger {
		t.Errorf("resolved to %s, want degraded INTERNAL_TRIGGER", got)
	}
}

func TestResolveUnsupported(t *testing.T) {
	caps := []string{"INTERNAL_TRIGGER", "INTERNAL_TRIGGER_MULTI"}
	_, err := Resolve(HardwareGate, caps, "pilatus")
	var um UnsupportedModeError
	if !errors.As(err, &um) {
		t.Fatalf("expected UnsupportedModeError, got %v", err)
	}
	if um.Mode != ExternalGate {
		t.Errorf("error carries %s, want EXTERNAL_GATE", um.Mode)
	}
}

func TestPromote(t *testing.T) {
	cases := []struct {
		sync     Sync
		nbStarts int
		convert  StartConvert
		want     Sync
	}{
		{SoftwareStart, 1, ConvertToTrigger, SoftwareStart},
		{SoftwareStart, 4, ConvertToTrigger, SoftwareTrigger},
		{HardwareStart, 4, ConvertToTrigger, HardwareTrigger},
		{HardwareStart, 4, ConvertToGate, HardwareGate},
		{SoftwareTrigger, 4, ConvertToTrigger, SoftwareTrigger},
		{HardwareGate, 4, ConvertToGate, HardwareGate},
	}
	for _, tc := range cases {
		got := Promote(tc.sync, tc.nbStarts, tc.convert)
		if got != tc.want {
			t.Errorf("Promote(%v, %d, %v) = %v, want %v",
				tc.sync, tc.nbStarts, tc.convert, got, tc.want)
		}
	}
}

func TestParseStartConvert(t *testing.T) {
	if ParseStartConvert("Gate") != ConvertToGate {
		t.Error("expected Gate to parse to ConvertToGate")
	}
	if ParseStartConvert("Trigger") != ConvertToTrigger {
		t.Error("expected Trigger to parse to ConvertToTrigger")
	}
	if ParseStartConvert("") != ConvertToTrigger {
		t.Error("expected empty value to default to ConvertToTrigger")
	}
}

func TestModePredicates(t *testing.T) {
	if !InternalTrigger.Internal() || InternalTrigger.External() {
		t.Error("INTERNAL_TRIGGER direction predicates wrong")
	}
	if !ExternalGate.Gate() || !ExternalGate.External() {
		t.Error("EXTERNAL_GATE predicates wrong")
	}
	if !InternalTriggerMulti.InternalMulti() || InternalTriggerMulti.InternalStart() {
		t.Error("INTERNAL_TRIGGER_MULTI predicates wrong")
	}
	if !ExternalTrigger.ExternalStart() {
		t.Error("EXTERNAL_TRIGGER should be an external start mode")
	}
}
