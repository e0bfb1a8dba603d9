// Package roicounter talks to the Lima roicounter plugin device.  The
// plugin computes per-frame scalar statistics over rectangular regions of
// interest; this package manages the region lifetime on the device and
// turns the plugin's flat counter stream into per-region readings with
// monotonic delivery.
package roicounter

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ALBA-Synchrotron/sardana-limaccd/lima"
)

// Plugin commands and attributes.
const (
	cmdStart        = "Start"
	cmdStop         = "Stop"
	cmdClearAllRois = "clearAllRois"
	cmdAddNames     = "addNames"
	cmdSetRois      = "setRois"
	cmdReadCounters = "readCounters"

	attrBufferSize    = "BufferSize"
	attrCounterStatus = "CounterStatus"
)

// readCounters returns rows of seven values per region and frame.
const (
	idxROIID = iota
	idxFrame
	idxSum
	idxAvg
	idxStd
	idxMin
	idxMax
	rowLen
)

// noImages is the CounterStatus sentinel for an empty plugin buffer.
const noImages = -2

// ROI is a rectangular region of interest in image pixels.
type ROI struct {
	X, Y          int
	Width, Height int
}

// Counters is one row of the plugin's statistics stream.
type Counters struct {
	ROIID int
	Frame int
	Sum   float64
	Avg   float64
	Std   float64
	Min   float64
	Max   float64
}

// Pacing selects who advances the region computation between readouts.
type Pacing int

const (
	// SoftwarePaced acquisitions read one value per point.
	SoftwarePaced Pacing = iota

	// HardwarePaced acquisitions buffer values and drain them in batches.
	HardwarePaced
)

// NoDataError is returned when a reading is requested before the plugin
// produced one.
type NoDataError struct {
	Axis int
}

func (e NoDataError) Error() string {
	return fmt.Sprintf("no counter data for region %d yet", e.Axis)
}

// UnknownRegionError is returned for an axis with no registered region.
type UnknownRegionError struct {
	Axis int
}

func (e UnknownRegionError) Error() string {
	return fmt.Sprintf("no region registered for axis %d", e.Axis)
}

type region struct {
	name string
	id   int
	roi  ROI
	buf  []float64
}

// Client owns the regions registered on one roicounter plugin device.  It
// is not safe for concurrent use.
type Client struct {
	gw  lima.Gateway
	log logrus.FieldLogger

	regions  map[int]*region
	byID     map[int]int
	pacing   Pacing
	reps     int
	started  bool
	aborted  bool
	lastRead int
	lastOK   int
}

// New resets the plugin to a clean slate: stop, drop every device-side
// region, restart and size the circular buffer.
func New(gw lima.Gateway, bufferSize int, log logrus.FieldLogger) (*Client, error) {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	c := &Client{
		gw:       gw,
		log:      log,
		regions:  map[int]*region{},
		byID:     map[int]int{},
		lastRead: -1,
		lastOK:   -1,
	}
	for _, cmd := range []string{cmdStop, cmdClearAllRois, cmdStart} {
		if _, err := gw.InvokeCommand(cmd); err != nil {
			return nil, fmt.Errorf("roicounter %s: %w", cmd, err)
		}
	}
	if err := gw.WriteAttribute(attrBufferSize, bufferSize); err != nil {
		return nil, fmt.Errorf("roicounter buffer size: %w", err)
	}
	return c, nil
}

// AddRegion registers a new region for the axis with a unit placeholder
// rectangle.  The device assigns the region id.
func (c *Client) AddRegion(axis int) error {
	r := &region{
		name: fmt.Sprintf("roi_%d", axis),
		roi:  ROI{Width: 1, Height: 1},
	}
	c.regions[axis] = r
	return c.install(axis)
}

// RemoveRegion forgets the region of the axis.  The device side keeps the
// name until the next clearAllRois; dangling ids are simply skipped during
// readout.
func (c *Client) RemoveRegion(axis int) {
	r, ok := c.regions[axis]
	if !ok {
		return
	}
	delete(c.byID, r.id)
	delete(c.regions, axis)
}

// install pushes the region of the axis to the device and records its id.
func (c *Client) install(axis int) error {
	r := c.regions[axis]
	res, err := c.gw.InvokeCommand(cmdAddNames, []string{r.name})
	if err != nil {
		return fmt.Errorf("roicounter addNames: %w", err)
	}
	ids, err := toInts(res)
	if err != nil || len(ids) == 0 {
		return fmt.Errorf("roicounter addNames returned %v", res)
	}
	r.id = ids[0]
	c.byID[r.id] = axis
	return c.push(r)
}

func (c *Client) push(r *region) error {
	_, err := c.gw.InvokeCommand(cmdSetRois,
		[]int{r.id, r.roi.X, r.roi.Y, r.roi.Width, r.roi.Height})
	if err != nil {
		return fmt.Errorf("roicounter setRois: %w", err)
	}
	return nil
}

// Region returns the rectangle currently set for the axis.
func (c *Client) Region(axis int) (ROI, error) {
	r, ok := c.regions[axis]
	if !ok {
		return ROI{}, UnknownRegionError{Axis: axis}
	}
	return r.roi, nil
}

// SetRegion updates the rectangle of the axis and pushes it to the device.
func (c *Client) SetRegion(axis int, roi ROI) error {
	r, ok := c.regions[axis]
	if !ok {
		return UnknownRegionError{Axis: axis}
	}
	r.roi = roi
	return c.push(r)
}

// Reinstall re-registers every region after a plugin device restart.
func (c *Client) Reinstall() error {
	if _, err := c.gw.InvokeCommand(cmdStart); err != nil {
		return fmt.Errorf("roicounter Start: %w", err)
	}
	for axis := range c.regions {
		if err := c.install(axis); err != nil {
			return err
		}
	}
	return nil
}

// Load arms the client for an acquisition of the given length.  Software
// pacing reads one point at a time regardless of repetitions.
func (c *Client) Load(repetitions int, pacing Pacing) {
	c.lastRead, c.lastOK = -1, -1
	c.started, c.aborted = false, false
	c.pacing = pacing
	if pacing == SoftwarePaced {
		c.reps = 1
	} else {
		c.reps = repetitions
	}
	for _, r := range c.regions {
		r.buf = nil
	}
}

// Start marks the acquisition as running on the client side; the plugin
// follows the main device and needs no command.
func (c *Client) Start() {
	c.started = true
	c.aborted = false
}

// Abort flags the acquisition aborted.  Readout stops delivering.
func (c *Client) Abort() {
	c.aborted = true
}

// Busy reads the plugin's counter status and reports whether the requested
// number of frames has been computed yet.
func (c *Client) Busy() (bool, error) {
	if c.aborted {
		return false, nil
	}
	v, err := c.gw.ReadAttribute(attrCounterStatus)
	if err != nil {
		return false, fmt.Errorf("roicounter status: %w", err)
	}
	status, err := toInt(v)
	if err != nil {
		return false, err
	}
	c.lastOK = status
	return status != noImages && status < c.reps-1, nil
}

// Poll drains the counter rows the plugin computed since the last call
// and buffers the sums per region.  Hardware pacing advances the read
// cursor to the last computed frame; software pacing re-reads the current
// point until the caller reloads.
func (c *Client) Poll() error {
	for _, r := range c.regions {
		r.buf = nil
	}
	if c.lastOK == c.lastRead {
		return nil
	}
	if c.pacing != SoftwarePaced {
		c.lastRead++
	}
	res, err := c.gw.InvokeCommand(cmdReadCounters, c.lastRead)
	if err != nil {
		return fmt.Errorf("roicounter readCounters: %w", err)
	}
	data, err := toFloats(res)
	if err != nil {
		return err
	}
	if len(data)%rowLen != 0 {
		return fmt.Errorf("roicounter readCounters returned %d values, not a multiple of %d",
			len(data), rowLen)
	}
	for base := 0; base+rowLen <= len(data); base += rowLen {
		row := parseRow(data[base:])
		axis, ok := c.byID[row.ROIID]
		if !ok {
			continue
		}
		r := c.regions[axis]
		r.buf = append(r.buf, row.Sum)
		if row.Frame > c.lastOK {
			c.lastOK = row.Frame
		}
	}
	c.log.WithFields(logrus.Fields{
		"from": c.lastRead,
		"to":   c.lastOK,
	}).Debug("roicounter frames drained")
	if c.pacing == HardwarePaced {
		c.lastRead = c.lastOK
	}
	return nil
}

// Value returns the current point's sum for the axis in software pacing.
func (c *Client) Value(axis int) (float64, error) {
	r, ok := c.regions[axis]
	if !ok {
		return 0, UnknownRegionError{Axis: axis}
	}
	if len(r.buf) == 0 {
		return 0, NoDataError{Axis: axis}
	}
	return r.buf[0], nil
}

// Values returns every buffered sum for the axis in hardware pacing.
func (c *Client) Values(axis int) ([]float64, error) {
	r, ok := c.regions[axis]
	if !ok {
		return nil, UnknownRegionError{Axis: axis}
	}
	return r.buf, nil
}

func parseRow(row []float64) Counters {
	return Counters{
		ROIID: int(row[idxROIID]),
		Frame: int(row[idxFrame]),
		Sum:   row[idxSum],
		Avg:   row[idxAvg],
		Std:   row[idxStd],
		Min:   row[idxMin],
		Max:   row[idxMax],
	}
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
	return 0, fmt.Errorf("value %v (%T) is not an integer", v, v)
}

func toInts(v interface{}) ([]int, error) {
	switch s := v.(type) {
	case []int:
		return s, nil
	case []interface{}:
		out := make([]int, len(s))
		for i, e := range s {
			n, err := toInt(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}
	return nil, fmt.Errorf("value %v (%T) is not an integer list", v, v)
}

func toFloats(v interface{}) ([]float64, error) {
	switch s := v.(type) {
	case []float64:
		return s, nil
	case []interface{}:
		out := make([]float64, len(s))
		for i, e := range s {
			f, ok := e.(float64)
			if !ok {
				n, err := toInt(e)
				if err != nil {
					return nil, err
				}
				f = float64(n)
			}
			out[i] = f
		}
		return out, nil
	}
	return nil, fmt.Errorf("value %v (%T) is not a float list", v, v)
}
