// Package xspress3 reads per-frame scalar values from the Xspress3 Lima
// plugin.  The plugin publishes eleven scalars per frame and channel
// (window counts, dead-time factors and friends); an axis picks one
// channel and one scalar index and receives that value for every frame.
package xspress3

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/ALBA-Synchrotron/sardana-limaccd/lima"
)

// PluginName is the token announcing the plugin in the main device's
// plugin_list attribute; the device name of the plugin follows it.
const PluginName = "xspress3"

const (
	attrPluginList     = "plugin_list"
	attrNumChan        = "numChan"
	attrLastImageReady = "last_image_ready"

	cmdReadScalers = "ReadScalers"
)

// MaxScalarIndex is the highest valid scalar position.
const MaxScalarIndex = 10

// defaultScalarIndex is the window-1 count, the scalar most scans want.
const defaultScalarIndex = 9

// retryInterval paces re-reads of a frame the plugin has not finished
// writing yet.
const retryInterval = 100 * time.Millisecond

// NotAvailableError means the main device does not load the plugin.
type NotAvailableError struct{}

func (NotAvailableError) Error() string {
	return "the Lima device does not load the xspress3 plugin"
}

// ChannelRangeError is returned for a channel beyond the detector.
type ChannelRangeError struct {
	Channel, NumChan int
}

func (e ChannelRangeError) Error() string {
	return fmt.Sprintf("channel %d out of range, detector has %d channels",
		e.Channel, e.NumChan)
}

// ScalarIndexError is returned for a scalar position outside [0, 10].
type ScalarIndexError struct {
	Index int
}

func (e ScalarIndexError) Error() string {
	return fmt.Sprintf("scalar index %d out of range [0, %d]", e.Index, MaxScalarIndex)
}

// AbortedError is returned when a frame read is interrupted by Abort.
type AbortedError struct{}

func (AbortedError) Error() string { return "scalar readout aborted" }

// Pacing selects the readout cadence, one point per poll or batches.
type Pacing int

const (
	SoftwarePaced Pacing = iota
	HardwarePaced
)

type axis struct {
	channel int
	index   int
	data    []float64
}

// Client drains Xspress3 scalars for a set of axes.  It is not safe for
// concurrent use, except for Abort which only flips a flag read at retry
// boundaries.
type Client struct {
	main lima.Gateway
	plug lima.Gateway
	log  logrus.FieldLogger

	numChan int
	axes    map[int]*axis
	grouped map[int][]int

	pacing    Pacing
	reps      int
	lastRead  int
	lastReady int
	aborted   bool
}

// PluginDeviceName finds the plugin's device name in the main device's
// plugin list.
func PluginDeviceName(main lima.Gateway) (string, error) {
	v, err := main.ReadAttribute(attrPluginList)
	if err != nil {
		return "", fmt.Errorf("plugin list: %w", err)
	}
	plugins, err := toStrings(v)
	if err != nil {
		return "", err
	}
	for i, p := range plugins {
		if p == PluginName && i+1 < len(plugins) {
			return plugins[i+1], nil
		}
	}
	return "", NotAvailableError{}
}

// New wraps the main device and the plugin device.  The channel count is
// read once from the plugin.
func New(main, plug lima.Gateway, log logrus.FieldLogger) (*Client, error) {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	v, err := plug.ReadAttribute(attrNumChan)
	if err != nil {
		return nil, fmt.Errorf("channel count: %w", err)
	}
	numChan, err := toInt(v)
	if err != nil {
		return nil, err
	}
	return &Client{
		main:      main,
		plug:      plug,
		log:       log,
		numChan:   numChan,
		axes:      map[int]*axis{},
		grouped:   map[int][]int{},
		lastRead:  -1,
		lastReady: -1,
	}, nil
}

// Connect resolves the plugin device name from the main device and dials
// it.
func Connect(main lima.Gateway, dial func(name string) (lima.Gateway, error),
	log logrus.FieldLogger) (*Client, error) {
	name, err := PluginDeviceName(main)
	if err != nil {
		return nil, err
	}
	plug, err := dial(name)
	if err != nil {
		return nil, fmt.Errorf("dial plugin %q: %w", name, err)
	}
	return New(main, plug, log)
}

// NumChan returns the detector's channel count.
func (c *Client) NumChan() int { return c.numChan }

// AddAxis registers an axis on channel 0 and the default scalar.
func (c *Client) AddAxis(id int) {
	c.axes[id] = &axis{index: defaultScalarIndex}
}

// RemoveAxis forgets an axis.
func (c *Client) RemoveAxis(id int) {
	delete(c.axes, id)
}

// Channel returns the channel of the axis.
func (c *Client) Channel(id int) (int, error) {
	a, ok := c.axes[id]
	if !ok {
		return 0, fmt.Errorf("unknown axis %d", id)
	}
	return a.channel, nil
}

// SetChannel selects the detector channel of the axis.
func (c *Client) SetChannel(id, channel int) error {
	a, ok := c.axes[id]
	if !ok {
		return fmt.Errorf("unknown axis %d", id)
	}
	if channel < 0 || channel > c.numChan {
		return ChannelRangeError{Channel: channel, NumChan: c.numChan}
	}
	a.channel = channel
	return nil
}

// ScalarIndex returns the scalar position of the axis.
func (c *Client) ScalarIndex(id int) (int, error) {
	a, ok := c.axes[id]
	if !ok {
		return 0, fmt.Errorf("unknown axis %d", id)
	}
	return a.index, nil
}

// SetScalarIndex selects which of the eleven scalars the axis reads.
func (c *Client) SetScalarIndex(id, index int) error {
	a, ok := c.axes[id]
	if !ok {
		return fmt.Errorf("unknown axis %d", id)
	}
	if index < 0 || index > MaxScalarIndex {
		return ScalarIndexError{Index: index}
	}
	a.index = index
	return nil
}

// Load arms the client for an acquisition.  Software pacing always reads a
// single point.
func (c *Client) Load(repetitions int, pacing Pacing) {
	c.lastRead, c.lastReady = -1, -1
	c.aborted = false
	c.grouped = map[int][]int{}
	c.pacing = pacing
	if pacing == SoftwarePaced {
		c.reps = 1
	} else {
		c.reps = repetitions
	}
	for _, a := range c.axes {
		a.data = nil
	}
}

// Start groups the axes by channel so each frame costs one plugin call
// per distinct channel, not per axis.
func (c *Client) Start() {
	c.aborted = false
	c.grouped = map[int][]int{}
	for id, a := range c.axes {
		c.grouped[a.channel] = append(c.grouped[a.channel], id)
	}
}

// Abort interrupts a readout in progress at the next retry boundary.
func (c *Client) Abort() {
	c.aborted = true
}

// Busy reads the main device's frame counter and reports whether frames
// are still pending.
func (c *Client) Busy() (bool, error) {
	if c.aborted {
		return false, nil
	}
	v, err := c.main.ReadAttribute(attrLastImageReady)
	if err != nil {
		return false, fmt.Errorf("frame counter: %w", err)
	}
	c.lastReady, err = toInt(v)
	if err != nil {
		return false, err
	}
	return c.lastReady < c.reps-1, nil
}

// Poll drains the scalar values of every frame acquired since the last
// call.  Software pacing reads frame zero exactly once.
func (c *Client) Poll() error {
	for _, a := range c.axes {
		a.data = nil
	}
	v, err := c.main.ReadAttribute(attrLastImageReady)
	if err != nil {
		return fmt.Errorf("frame counter: %w", err)
	}
	if c.lastReady, err = toInt(v); err != nil {
		return err
	}
	if c.lastReady < 0 {
		return nil
	}
	if c.pacing == SoftwarePaced {
		if c.lastRead >= 0 {
			return nil
		}
		if err := c.readFrame(0); err != nil {
			return err
		}
		c.lastRead = 0
		return nil
	}
	if c.lastRead >= c.lastReady {
		return nil
	}
	for frame := c.lastRead + 1; frame <= c.lastReady; frame++ {
		if err := c.readFrame(frame); err != nil {
			return err
		}
	}
	c.lastRead = c.lastReady
	return nil
}

// readFrame fetches the scalar row of one frame for every started channel
// and fans the values out to the axes.  A frame the plugin has not
// flushed yet reads back as an error; those are retried until the frame
// appears or the acquisition is aborted.
func (c *Client) readFrame(frame int) error {
	for channel, ids := range c.grouped {
		var row []float64
		op := func() error {
			if c.aborted {
				return backoff.Permanent(AbortedError{})
			}
			res, err := c.plug.InvokeCommand(cmdReadScalers, []int{frame, channel})
			if err != nil {
				c.log.WithFields(logrus.Fields{
					"frame":   frame,
					"channel": channel,
				}).Debug("scalars not readable yet, retrying")
				return err
			}
			row, err = toFloats(res)
			if err != nil {
				return backoff.Permanent(err)
			}
			return nil
		}
		err := backoff.Retry(op, backoff.NewConstantBackOff(retryInterval))
		if err != nil {
			return err
		}
		for _, id := range ids {
			a := c.axes[id]
			if a.index >= len(row) {
				return fmt.Errorf("scalar row of frame %d has %d values, axis %d wants index %d",
					frame, len(row), id, a.index)
			}
			a.data = append(a.data, row[a.index])
		}
	}
	return nil
}

// Value returns the current point's scalar for the axis in software
// pacing.
func (c *Client) Value(id int) (float64, error) {
	a, ok := c.axes[id]
	if !ok {
		return 0, fmt.Errorf("unknown axis %d", id)
	}
	if len(a.data) == 0 {
		return 0, fmt.Errorf("no scalar data for axis %d yet", id)
	}
	return a.data[0], nil
}

// Values returns every buffered scalar for the axis in hardware pacing.
func (c *Client) Values(id int) ([]float64, error) {
	a, ok := c.axes[id]
	if !ok {
		return nil, fmt.Errorf("unknown axis %d", id)
	}
	return a.data, nil
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

func toStrings(v interface{}) ([]string, error) {
	switch s := v.(type) {
	case []string:
		return s, nil
	case []interface{}:
		out := make([]string, len(s))
		for i, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("value %v (%T) is not a string", e, e)
			}
			out[i] = str
		}
		return out, nil
	}
	return nil, fmt.Errorf("value %v (%T) is not a string list", v, v)
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
