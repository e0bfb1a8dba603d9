package xspress3

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ALBA-Synchrotron/sardana-limaccd/lima"
)

// fakeDevice is a scripted gateway serving both roles: a main device with
// plugin_list and frame counter, and a plugin with numChan and scalar
// rows.
type fakeDevice struct {
	attrs map[string]interface{}

	// scalars maps "frame/channel" to the eleven-value row; a missing
	// entry fails like a frame the plugin has not flushed.  failures
	// makes the first n reads of present entries fail too.
	scalars  map[string][]float64
	failures int
	reads    int
}

func scalarKey(frame, channel int) string { return fmt.Sprintf("%d/%d", frame, channel) }

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		attrs: map[string]interface{}{
			attrPluginList:     []string{"roicounter", "id00/roi/1", "xspress3", "id00/xsp3/1"},
			attrNumChan:        4,
			attrLastImageReady: -1,
		},
		scalars: map[string][]float64{},
	}
}

func (d *fakeDevice) ReadAttribute(name string) (interface{}, error) {
	v, ok := d.attrs[name]
	if !ok {
		return nil, fmt.Errorf("no attribute %q", name)
	}
	return v, nil
}

func (d *fakeDevice) ReadAttributes(names []string) ([]interface{}, error) {
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

func (d *fakeDevice) WriteAttribute(name string, value interface{}) error {
	d.attrs[name] = value
	return nil
}

func (d *fakeDevice) WriteAttributes(names []string, values []interface{}) error {
	for i, n := range names {
		if err := d.WriteAttribute(n, values[i]); err != nil {
			return err
		}
	}
	return nil
}

func (d *fakeDevice) InvokeCommand(name string, args ...interface{}) (interface{}, error) {
	if name != cmdReadScalers {
		return nil, fmt.Errorf("unexpected command %q", name)
	}
	arg := args[0].([]int)
	d.reads++
	if d.failures > 0 {
		d.failures--
		return nil, fmt.Errorf("frame %d not ready", arg[0])
	}
	row, ok := d.scalars[scalarKey(arg[0], arg[1])]
	if !ok {
		return nil, fmt.Errorf("frame %d not ready", arg[0])
	}
	return row, nil
}

// row builds an eleven-scalar row whose value at index i is base+i.
func row(base float64) []float64 {
	r := make([]float64, MaxScalarIndex+1)
	for i := range r {
		r[i] = base + float64(i)
	}
	return r
}

func newTestClient(t *testing.T, d *fakeDevice) *Client {
	t.Helper()
	c, err := New(d, d, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestPluginDeviceName(t *testing.T) {
	d := newFakeDevice()
	name, err := PluginDeviceName(d)
	if err != nil {
		t.Fatal(err)
	}
	if name != "id00/xsp3/1" {
		t.Errorf("plugin device %q, want id00/xsp3/1", name)
	}

	d.attrs[attrPluginList] = []string{"roicounter", "id00/roi/1"}
	_, err = PluginDeviceName(d)
	var na NotAvailableError
	if !errors.As(err, &na) {
		t.Fatalf("expected NotAvailableError, got %v", err)
	}
}

func TestConnect(t *testing.T) {
	d := newFakeDevice()
	var dialed string
	c, err := Connect(d, func(name string) (lima.Gateway, error) {
		dialed = name
		return d, nil
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if dialed != "id00/xsp3/1" {
		t.Errorf("dialed %q, want id00/xsp3/1", dialed)
	}
	if c.NumChan() != 4 {
		t.Errorf("NumChan = %d, want 4", c.NumChan())
	}
}

func TestAxisConfiguration(t *testing.T) {
	c := newTestClient(t, newFakeDevice())
	c.AddAxis(1)

	idx, err := c.ScalarIndex(1)
	if err != nil {
		t.Fatal(err)
	}
	if idx != defaultScalarIndex {
		t.Errorf("default scalar index %d, want %d", idx, defaultScalarIndex)
	}

	if err := c.SetChannel(1, 3); err != nil {
		t.Fatal(err)
	}
	var chErr ChannelRangeError
	if err := c.SetChannel(1, 5); !errors.As(err, &chErr) {
		t.Errorf("channel 5 of 4 must be rejected, got %v", err)
	}

	var idxErr ScalarIndexError
	if err := c.SetScalarIndex(1, 11); !errors.As(err, &idxErr) {
		t.Errorf("scalar index 11 must be rejected, got %v", err)
	}
	if err := c.SetScalarIndex(1, 0); err != nil {
		t.Fatal(err)
	}
}

func TestSoftwarePacedReadsFrameZeroOnce(t *testing.T) {
	d := newFakeDevice()
	c := newTestClient(t, d)
	c.AddAxis(1)
	c.Load(10, SoftwarePaced)
	c.Start()

	d.attrs[attrLastImageReady] = 0
	d.scalars[scalarKey(0, 0)] = row(100)
	if err := c.Poll(); err != nil {
		t.Fatal(err)
	}
	v, err := c.Value(1)
	if err != nil {
		t.Fatal(err)
	}
	if v != 100+defaultScalarIndex {
		t.Errorf("value = %v, want %v", v, 100+defaultScalarIndex)
	}

	reads := d.reads
	if err := c.Poll(); err != nil {
		t.Fatal(err)
	}
	if d.reads != reads {
		t.Error("software pacing must not re-read frame zero")
	}
}

func TestHardwarePacedBatch(t *testing.T) {
	d := newFakeDevice()
	c := newTestClient(t, d)
	c.AddAxis(1)
	c.AddAxis(2)
	if err := c.SetChannel(2, 2); err != nil {
		t.Fatal(err)
	}
	if err := c.SetScalarIndex(2, 3); err != nil {
		t.Fatal(err)
	}
	c.Load(4, HardwarePaced)
	c.Start()

	busy, err := c.Busy()
	if err != nil {
		t.Fatal(err)
	}
	if !busy {
		t.Error("no frames yet, must be busy")
	}

	d.attrs[attrLastImageReady] = 2
	for frame := 0; frame < 3; frame++ {
		d.scalars[scalarKey(frame, 0)] = row(float64(100 * (frame + 1)))
		d.scalars[scalarKey(frame, 2)] = row(float64(1000 * (frame + 1)))
	}
	if err := c.Poll(); err != nil {
		t.Fatal(err)
	}
	vals, err := c.Values(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 3 || vals[0] != 100+defaultScalarIndex || vals[2] != 300+defaultScalarIndex {
		t.Errorf("axis 1 values %v", vals)
	}
	vals, _ = c.Values(2)
	if len(vals) != 3 || vals[1] != 2003 {
		t.Errorf("axis 2 values %v, want channel 2 scalar 3", vals)
	}

	// unchanged counter: nothing re-delivered
	if err := c.Poll(); err != nil {
		t.Fatal(err)
	}
	if vals, _ := c.Values(1); len(vals) != 0 {
		t.Errorf("re-poll delivered %v", vals)
	}
}

func TestReadRetriesUntilFrameAppears(t *testing.T) {
	d := newFakeDevice()
	c := newTestClient(t, d)
	c.AddAxis(1)
	c.Load(1, SoftwarePaced)
	c.Start()

	d.attrs[attrLastImageReady] = 0
	d.scalars[scalarKey(0, 0)] = row(50)
	d.failures = 2
	if err := c.Poll(); err != nil {
		t.Fatal(err)
	}
	if d.reads != 3 {
		t.Errorf("expected 2 failed reads plus 1 success, got %d reads", d.reads)
	}
	v, err := c.Value(1)
	if err != nil {
		t.Fatal(err)
	}
	if v != 50+defaultScalarIndex {
		t.Errorf("value = %v", v)
	}
}

func TestAbortStopsRetrying(t *testing.T) {
	d := newFakeDevice()
	c := newTestClient(t, d)
	c.AddAxis(1)
	c.Load(1, SoftwarePaced)
	c.Start()
	c.Abort()

	d.attrs[attrLastImageReady] = 0
	// no scalar row exists; without the abort flag this would retry
	// forever
	err := c.Poll()
	var aborted AbortedError
	if !errors.As(err, &aborted) {
		t.Fatalf("expected AbortedError, got %v", err)
	}

	if busy, _ := c.Busy(); busy {
		t.Error("aborted client must not be busy")
	}
}
