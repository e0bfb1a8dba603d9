package sim

import (
	"testing"
	"time"

	"github.com/ALBA-Synchrotron/sardana-limaccd/dataarray"
	"github.com/ALBA-Synchrotron/sardana-limaccd/lima"
	"github.com/ALBA-Synchrotron/sardana-limaccd/saving"
	"github.com/ALBA-Synchrotron/sardana-limaccd/trigger"
)

// fakeClock advances only when something sleeps or the test pushes it.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

func newSim(clk saving.Clock) *Device {
	return New(Options{Width: 8, Height: 4, Clock: clk})
}

func readInt(t *testing.T, d *Device, name string) int {
	t.Helper()
	v, err := d.ReadAttribute(name)
	if err != nil {
		t.Fatal(err)
	}
	n, ok := v.(int)
	if !ok {
		t.Fatalf("%s = %v (%T), want int", name, v, v)
	}
	return n
}

func TestFramePacing(t *testing.T) {
	clk := &fakeClock{}
	d := newSim(clk)

	if err := d.WriteAttributes(
		[]string{"acq_nb_frames", "acq_expo_time", "latency_time", "acq_trigger_mode"},
		[]interface{}{3, 0.1, 0.0, "INTERNAL_TRIGGER"},
	); err != nil {
		t.Fatal(err)
	}
	if _, err := d.InvokeCommand("prepareAcq"); err != nil {
		t.Fatal(err)
	}
	if n := readInt(t, d, "last_image_ready"); n != -1 {
		t.Errorf("before start: last ready %d, want -1", n)
	}
	if _, err := d.InvokeCommand("startAcq"); err != nil {
		t.Fatal(err)
	}

	clk.Sleep(50 * time.Millisecond)
	if n := readInt(t, d, "last_image_ready"); n != -1 {
		t.Errorf("mid-exposure: last ready %d, want -1", n)
	}
	clk.Sleep(60 * time.Millisecond)
	if n := readInt(t, d, "last_image_ready"); n != 0 {
		t.Errorf("after one exposure: last ready %d, want 0", n)
	}
	clk.Sleep(time.Second)
	if n := readInt(t, d, "last_image_ready"); n != 2 {
		t.Errorf("counter must clamp at the frame count, got %d", n)
	}
	v, _ := d.ReadAttribute("acq_status")
	if v != "Ready" {
		t.Errorf("acq_status %v after all frames, want Ready", v)
	}
}

func TestStopFreezesCounter(t *testing.T) {
	clk := &fakeClock{}
	d := newSim(clk)
	d.WriteAttributes(
		[]string{"acq_nb_frames", "acq_expo_time", "latency_time", "acq_trigger_mode"},
		[]interface{}{10, 0.1, 0.0, "INTERNAL_TRIGGER"})
	d.InvokeCommand("prepareAcq")
	d.InvokeCommand("startAcq")

	clk.Sleep(250 * time.Millisecond)
	if _, err := d.InvokeCommand("stopAcq"); err != nil {
		t.Fatal(err)
	}
	frozen := readInt(t, d, "last_image_ready")
	clk.Sleep(time.Second)
	if n := readInt(t, d, "last_image_ready"); n != frozen {
		t.Errorf("counter moved after stop: %d -> %d", frozen, n)
	}
}

func TestReadImageSeqRefusesFutureFrames(t *testing.T) {
	clk := &fakeClock{}
	d := newSim(clk)
	d.WriteAttributes(
		[]string{"acq_nb_frames", "acq_expo_time", "latency_time", "acq_trigger_mode"},
		[]interface{}{3, 0.1, 0.0, "INTERNAL_TRIGGER"})
	d.InvokeCommand("prepareAcq")
	d.InvokeCommand("startAcq")
	clk.Sleep(150 * time.Millisecond)

	if _, err := d.InvokeCommand("readImageSeq", 0, 1); err != nil {
		t.Fatalf("frame 0 is acquired: %v", err)
	}
	if _, err := d.InvokeCommand("readImageSeq", 0, 3); err == nil {
		t.Error("frame 2 is in the future and must not be readable")
	}
}

func TestNextNumberRecomputeLatency(t *testing.T) {
	clk := &fakeClock{}
	d := newSim(clk)

	if err := d.WriteAttribute("saving_next_number", -1); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteAttribute("saving_prefix", "img_"); err != nil {
		t.Fatal(err)
	}
	if n := readInt(t, d, "saving_next_number"); n != -1 {
		t.Errorf("recompute must not be instant, got %d", n)
	}
	clk.Sleep(recomputeDelay)
	if n := readInt(t, d, "saving_next_number"); n != 0 {
		t.Errorf("after the recompute delay: %d, want 0", n)
	}
}

// TestEndToEndAcquisition drives the whole stack against the simulator: a
// software-triggered scan with saving and a non-zero first image number.
func TestEndToEndAcquisition(t *testing.T) {
	clk := &fakeClock{}
	gw := newSim(clk)
	dec, err := dataarray.NewDecoder(2)
	if err != nil {
		t.Fatal(err)
	}
	dev := lima.NewDevice(gw, dec, nil)

	mode, err := dev.ResolveTrigger(trigger.SoftwareTrigger)
	if err != nil {
		t.Fatal(err)
	}
	if mode != trigger.InternalTriggerMulti {
		t.Fatalf("mode %s, want INTERNAL_TRIGGER_MULTI", mode)
	}

	sav := &saving.Saving{
		Enabled:          true,
		Pattern:          "file:///data/scan/img_{index:04d}.edf",
		FirstImageNumber: 100,
		Clock:            clk,
	}
	cfg := lima.AcquisitionConfig{
		Exposure: 100 * time.Millisecond,
		NbPoints: 3,
		NbStarts: 1,
		Sync:     trigger.SoftwareTrigger,
	}
	s := dev.Acquisition(cfg, mode, sav)
	if err := s.Prepare(); err != nil {
		t.Fatal(err)
	}

	// the warm-up pushed the first image number to the device
	if n := readInt(t, gw, "saving_next_number"); n != 100 {
		t.Errorf("saving_next_number = %d, want 100", n)
	}

	for point := 0; point < 3; point++ {
		if err := s.Start(); err != nil {
			t.Fatal(err)
		}
		clk.Sleep(150 * time.Millisecond)
		snap, err := dev.Status()
		if err != nil {
			t.Fatal(err)
		}
		if got := s.DerivedStatus(snap); got != lima.StatusReady {
			t.Fatalf("point %d: status %q, want Ready", point, got)
		}
		frames, err := s.PollFrames()
		if err != nil {
			t.Fatal(err)
		}
		if len(frames) != 1 {
			t.Fatalf("point %d: got %d frames, want 1", point, len(frames))
		}
		if frames[0].Width != 8 || frames[0].Height != 4 {
			t.Fatalf("frame shape %dx%d", frames[0].Width, frames[0].Height)
		}
		refs, err := s.PollReferences()
		if err != nil {
			t.Fatal(err)
		}
		if len(refs) != 1 {
			t.Fatalf("point %d: got %d references, want 1", point, len(refs))
		}
	}
}
