// Package sim simulates a LimaCCDs device in memory.  It implements the
// same gateway contract as a real detector, paces frame production on a
// clock, and reproduces the save-numbering recompute latency, so the full
// acquisition stack can run without hardware.
package sim

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ALBA-Synchrotron/sardana-limaccd/dataarray"
	"github.com/ALBA-Synchrotron/sardana-limaccd/lima"
	"github.com/ALBA-Synchrotron/sardana-limaccd/saving"
)

// recomputeDelay is how long the simulated device takes to recompute the
// saving next number after the prefix changes.
const recomputeDelay = 120 * time.Millisecond

// Options configures the simulated detector.
type Options struct {
	Width      int
	Height     int
	CameraType string
	Model      string

	// Clock paces frame production; nil selects the wall clock.
	Clock saving.Clock

	// TriggerModes overrides the advertised capability list.
	TriggerModes []string
}

// Device is a simulated LimaCCDs.  It is safe for concurrent use.
type Device struct {
	mu  sync.Mutex
	clk saving.Clock
	opt Options

	attrs map[string]interface{}

	// acquisition state
	running   bool
	startedAt time.Time
	expo      time.Duration
	latency   time.Duration
	nbFrames  int
	base      int
	target    int

	// saving state
	nextNumber   int
	prefixAt     time.Time
	recomputing  bool
	savingActive bool
}

// New returns a simulated detector.
func New(opt Options) *Device {
	if opt.Width == 0 {
		opt.Width = 1024
	}
	if opt.Height == 0 {
		opt.Height = 1024
	}
	if opt.CameraType == "" {
		opt.CameraType = "simulator"
	}
	if opt.Model == "" {
		opt.Model = "sim-1"
	}
	if opt.Clock == nil {
		opt.Clock = saving.SystemClock()
	}
	if opt.TriggerModes == nil {
		opt.TriggerModes = []string{
			"INTERNAL_TRIGGER", "INTERNAL_TRIGGER_MULTI",
			"EXTERNAL_TRIGGER", "EXTERNAL_TRIGGER_MULTI", "EXTERNAL_GATE",
		}
	}
	return &Device{
		clk: opt.Clock,
		opt: opt,
		attrs: map[string]interface{}{
			"camera_type":           opt.CameraType,
			"camera_model":          opt.Model,
			"image_width":           opt.Width,
			"image_height":          opt.Height,
			"acq_nb_frames":         1,
			"acq_expo_time":         1.0,
			"latency_time":          0.0,
			"acq_trigger_mode":      "INTERNAL_TRIGGER",
			"saving_mode":           "MANUAL",
			"saving_frame_per_file": 1,
			"saving_managed_mode":   "SOFTWARE",
			"saving_prefix":         "",
			"plugin_list":           []string{},
		},
	}
}

// framesDone counts the frames finished by now, clamped to the target.
func (d *Device) framesDone() int {
	n := d.base
	if d.running {
		period := d.expo + d.latency
		if period <= 0 {
			period = time.Millisecond
		}
		elapsed := d.clk.Now().Sub(d.startedAt)
		if elapsed >= d.expo {
			// a frame completes at expo, then one per period
			n += 1 + int((elapsed-d.expo)/period)
		}
	}
	if n > d.target {
		n = d.target
	}
	return n
}

// ReadAttribute serves a device attribute.  Counters and status derive
// from the clock, everything else from the attribute store.
func (d *Device) ReadAttribute(name string) (interface{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch name {
	case "last_image_ready":
		return d.framesDone() - 1, nil
	case "last_image_saved":
		if !d.savingActive {
			return -1, nil
		}
		return d.framesDone() - 1, nil
	case "acq_status":
		if d.running && d.framesDone() < d.nbFrames {
			return "Running", nil
		}
		return "Ready", nil
	case "ready_for_next_image":
		return !d.running || d.framesDone() >= d.target, nil
	case "saving_next_number":
		if d.recomputing && d.clk.Now().Sub(d.prefixAt) >= recomputeDelay {
			d.recomputing = false
			d.nextNumber = 0
		}
		return d.nextNumber, nil
	}
	v, ok := d.attrs[name]
	if !ok {
		return nil, fmt.Errorf("sim: no attribute %q", name)
	}
	return v, nil
}

// ReadAttributes batch-reads attributes.
func (d *Device) ReadAttributes(names []string) ([]interface{}, error) {
	vals := make([]interface{}, len(names))
	for i, n := range names {
		v, err := d.ReadAttribute(n)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

// WriteAttribute stores a device attribute, with the side effects the real
// device has: writing the saving prefix kicks off the next-number
// recompute, enabling auto saving activates the saved counter.
func (d *Device) WriteAttribute(name string, value interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch name {
	case "acq_nb_frames":
		n, err := toInt(value)
		if err != nil {
			return err
		}
		d.nbFrames = n
	case "acq_expo_time":
		f, err := toFloat(value)
		if err != nil {
			return err
		}
		d.expo = time.Duration(f * float64(time.Second))
	case "latency_time":
		f, err := toFloat(value)
		if err != nil {
			return err
		}
		d.latency = time.Duration(f * float64(time.Second))
	case "saving_next_number":
		n, err := toInt(value)
		if err != nil {
			return err
		}
		d.nextNumber = n
		d.recomputing = false
	case "saving_prefix":
		if d.nextNumber == -1 {
			d.recomputing = true
			d.prefixAt = d.clk.Now()
		}
	case "saving_mode":
		d.savingActive = value == "AUTO_FRAME"
	}
	d.attrs[name] = value
	return nil
}

// WriteAttributes batch-writes attributes.
func (d *Device) WriteAttributes(names []string, values []interface{}) error {
	for i, n := range names {
		if err := d.WriteAttribute(n, values[i]); err != nil {
			return err
		}
	}
	return nil
}

// InvokeCommand runs a device command.
func (d *Device) InvokeCommand(name string, args ...interface{}) (interface{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch name {
	case "prepareAcq":
		d.running = false
		d.base = 0
		d.target = 0
		return nil, nil
	case "startAcq":
		mode, _ := d.attrs["acq_trigger_mode"].(string)
		if mode == "INTERNAL_TRIGGER_MULTI" {
			// one frame per software trigger
			d.target++
		} else {
			d.target = d.nbFrames
		}
		d.base = d.framesDone()
		d.startedAt = d.clk.Now()
		d.running = true
		return nil, nil
	case "stopAcq", "abortAcq":
		d.base = d.framesDone()
		d.running = false
		return nil, nil
	case "reset":
		d.running = false
		d.base, d.target, d.nbFrames = 0, 0, 0
		return nil, nil
	case "getAttrStringValueList":
		attr, _ := args[0].(string)
		switch attr {
		case "acq_trigger_mode":
			return d.opt.TriggerModes, nil
		case "saving_format":
			return []string{"EDF", "HDF5", "CBF", "TIFF"}, nil
		}
		return []string{}, nil
	case "readImageSeq":
		start, err := toInt(args[0])
		if err != nil {
			return nil, err
		}
		end, err := toInt(args[1])
		if err != nil {
			return nil, err
		}
		if end-1 >= d.framesDone() {
			return nil, fmt.Errorf("sim: frame %d not acquired yet", end-1)
		}
		return d.payload(start, end), nil
	}
	return nil, fmt.Errorf("sim: no command %q", name)
}

// payload builds the binary transfer buffer for frames [start, end).  Each
// frame is a flat u2 ramp offset by its index so consumers can tell frames
// apart.
func (d *Device) payload(start, end int) lima.ImagePayload {
	hsize, _ := dataarray.HeaderSize(2)
	npix := d.opt.Width * d.opt.Height
	stride := hsize + npix*2
	buf := make([]byte, (end-start)*stride)
	for i := 0; i < end-start; i++ {
		h := buf[i*stride:]
		binary.LittleEndian.PutUint32(h[0:4], dataarray.Magic)
		binary.LittleEndian.PutUint16(h[4:6], 2)
		binary.LittleEndian.PutUint16(h[6:8], uint16(hsize))
		binary.LittleEndian.PutUint32(h[12:16], uint32(dataarray.U16))
		binary.LittleEndian.PutUint16(h[18:20], 2)
		binary.LittleEndian.PutUint16(h[20:22], uint16(d.opt.Width))
		binary.LittleEndian.PutUint16(h[22:24], uint16(d.opt.Height))
		for j := 0; j < npix; j++ {
			binary.LittleEndian.PutUint16(h[hsize+2*j:], uint16(start+i+j))
		}
	}
	return lima.ImagePayload{Format: lima.TransferFormat, Data: buf}
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	}
	return 0, fmt.Errorf("sim: value %v (%T) is not an integer", v, v)
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	}
	return 0, fmt.Errorf("sim: value %v (%T) is not a float", v, v)
}
