/*Package lima coordinates acquisitions against a remote LimaCCDs detector
device exposed through a synchronous attribute/command interface.

The package keeps a local logical model of one acquisition (frame counts,
save-file numbering, trigger semantics) consistent with the asynchronous,
polled device, whose counters advance on their own and whose status
vocabulary is a handful of coarse strings.

Transport is out of scope: a Gateway implementation carries the attribute
reads/writes and commands, whatever the wire protocol is.
*/
package lima

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ALBA-Synchrotron/sardana-limaccd/dataarray"
	"github.com/ALBA-Synchrotron/sardana-limaccd/saving"
	"github.com/ALBA-Synchrotron/sardana-limaccd/trigger"
)

// Gateway is the synchronous attribute/command client to the remote
// detector device.  Implementations must be blocking: a call returns when
// the device has answered or errored.
type Gateway interface {
	// ReadAttribute reads one attribute value.
	ReadAttribute(name string) (interface{}, error)

	// ReadAttributes reads several attributes in one round trip, returning
	// values in the requested order.
	ReadAttributes(names []string) ([]interface{}, error)

	// WriteAttribute writes one attribute value.
	WriteAttribute(name string, value interface{}) error

	// WriteAttributes writes several attributes in one round trip.
	WriteAttributes(names []string, values []interface{}) error

	// InvokeCommand runs a device command with optional arguments.
	InvokeCommand(name string, args ...interface{}) (interface{}, error)
}

// Well-known attribute names on the LimaCCDs device.
const (
	attrAcqStatus      = "acq_status"
	attrReadyForNext   = "ready_for_next_image"
	attrLastImageReady = "last_image_ready"
	attrLastImageSaved = "last_image_saved"
	attrNbFrames       = "acq_nb_frames"
	attrExpoTime       = "acq_expo_time"
	attrLatencyTime    = "latency_time"
	attrTriggerMode    = "acq_trigger_mode"
	attrCameraType     = "camera_type"
	attrCameraModel    = "camera_model"
	attrSavingNext     = "saving_next_number"
	attrImageWidth     = "image_width"
	attrImageHeight    = "image_height"
)

// Device commands.
const (
	cmdPrepare      = "prepareAcq"
	cmdStart        = "startAcq"
	cmdStop         = "stopAcq"
	cmdAbort        = "abortAcq"
	cmdReset        = "reset"
	cmdCapability   = "getAttrStringValueList"
	cmdReadImageSeq = "readImageSeq"
)

// TransferFormat is the sentinel tag the frame transfer command must
// report alongside the binary buffer.
const TransferFormat = "DATA_ARRAY"

// ImagePayload is the result of the frame transfer command: a format tag
// and the raw concatenated frame buffer.
type ImagePayload struct {
	Format string
	Data   []byte
}

// Capability attribute names the device can enumerate values for.
var Capabilities = [...]string{"saving_format", "acq_trigger_mode"}

// Device wraps a Gateway with capability caching, batch status reads and
// frame transfer.  It is not safe for concurrent use; the host must
// serialize access, as it must for the session.
type Device struct {
	gw  Gateway
	dec dataarray.Decoder
	log logrus.FieldLogger

	caps        map[string][]string
	cameraType  string
	cameraModel string

	// High-water marks of the device counters, used to detect an external
	// device reset between polls.
	readyMark int
	savedMark int
}

// NewDevice wraps a gateway.  The decoder version must match the device
// firmware's DataArrayVersion.  log may be nil.
func NewDevice(gw Gateway, dec dataarray.Decoder, log logrus.FieldLogger) *Device {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	return &Device{
		gw:        gw,
		dec:       dec,
		log:       log,
		caps:      map[string][]string{},
		readyMark: -1,
		savedMark: -1,
	}
}

// Gateway returns the wrapped gateway.
func (d *Device) Gateway() Gateway { return d.gw }

// Reset issues the device reset command.
func (d *Device) Reset() error {
	if _, err := d.gw.InvokeCommand(cmdReset); err != nil {
		return CommError{Op: "command", Name: cmdReset, Err: err}
	}
	return nil
}

// StopAcq issues an unconditional stop, independent of any session.
func (d *Device) StopAcq() error {
	if _, err := d.gw.InvokeCommand(cmdStop); err != nil {
		return CommError{Op: "command", Name: cmdStop, Err: err}
	}
	return nil
}

// AbortAcq issues an unconditional abort, independent of any session.  It
// is always safe to call.
func (d *Device) AbortAcq() error {
	if _, err := d.gw.InvokeCommand(cmdAbort); err != nil {
		return CommError{Op: "command", Name: cmdAbort, Err: err}
	}
	return nil
}

// CapabilityValues returns the device's advertised values of an enumerated
// attribute, cached after the first query.
func (d *Device) CapabilityValues(attr string) ([]string, error) {
	if vals, ok := d.caps[attr]; ok {
		return vals, nil
	}
	res, err := d.gw.InvokeCommand(cmdCapability, attr)
	if err != nil {
		return nil, CommError{Op: "command", Name: cmdCapability, Err: err}
	}
	vals, ok := res.([]string)
	if !ok {
		return nil, fmt.Errorf("capability query for %s returned %T, want []string", attr, res)
	}
	d.caps[attr] = vals
	return vals, nil
}

// CameraType returns the camera_type attribute, cached after the first
// read.
func (d *Device) CameraType() (string, error) {
	if d.cameraType == "" {
		s, err := d.readString(attrCameraType)
		if err != nil {
			return "", err
		}
		d.cameraType = s
	}
	return d.cameraType, nil
}

// CameraModel returns the camera_model attribute, cached after the first
// read.
func (d *Device) CameraModel() (string, error) {
	if d.cameraModel == "" {
		s, err := d.readString(attrCameraModel)
		if err != nil {
			return "", err
		}
		d.cameraModel = s
	}
	return d.cameraModel, nil
}

// ImageSize returns the detector image width and height in pixels.
func (d *Device) ImageSize() (int, int, error) {
	vals, err := d.gw.ReadAttributes([]string{attrImageWidth, attrImageHeight})
	if err != nil {
		return 0, 0, CommError{Op: "read", Name: "image size", Err: err}
	}
	w, err := toInt(vals[0])
	if err != nil {
		return 0, 0, err
	}
	h, err := toInt(vals[1])
	if err != nil {
		return 0, 0, err
	}
	return w, h, nil
}

// StatusSnapshot is one batch read of the device acquisition state.  It is
// read fresh on every poll and never cached.
type StatusSnapshot struct {
	AcqStatus    string
	ReadyForNext bool
	IdxReady     int
	IdxSaved     int
}

// Status batch-reads the acquisition status attributes.  A counter that
// moved backwards since the last read from this Device means the device
// was reset externally and yields a StaleCounterError.
func (d *Device) Status() (StatusSnapshot, error) {
	snap := StatusSnapshot{}
	vals, err := d.gw.ReadAttributes([]string{
		attrAcqStatus, attrReadyForNext, attrLastImageReady, attrLastImageSaved,
	})
	if err != nil {
		return snap, CommError{Op: "read", Name: "status", Err: err}
	}
	if snap.AcqStatus, err = toString(vals[0]); err != nil {
		return snap, err
	}
	if snap.ReadyForNext, err = toBool(vals[1]); err != nil {
		return snap, err
	}
	if snap.IdxReady, err = toInt(vals[2]); err != nil {
		return snap, err
	}
	if snap.IdxSaved, err = toInt(vals[3]); err != nil {
		return snap, err
	}
	if err := d.advanceMark(&d.readyMark, attrLastImageReady, snap.IdxReady); err != nil {
		return snap, err
	}
	if err := d.advanceMark(&d.savedMark, attrLastImageSaved, snap.IdxSaved); err != nil {
		return snap, err
	}
	return snap, nil
}

// LastImageReady reads the last-ready counter, with the same staleness
// check as Status.
func (d *Device) LastImageReady() (int, error) {
	n, err := d.readInt(attrLastImageReady)
	if err != nil {
		return 0, err
	}
	if err := d.advanceMark(&d.readyMark, attrLastImageReady, n); err != nil {
		return 0, err
	}
	return n, nil
}

// LastImageSaved reads the last-saved counter, with the same staleness
// check as Status.
func (d *Device) LastImageSaved() (int, error) {
	n, err := d.readInt(attrLastImageSaved)
	if err != nil {
		return 0, err
	}
	if err := d.advanceMark(&d.savedMark, attrLastImageSaved, n); err != nil {
		return 0, err
	}
	return n, nil
}

func (d *Device) advanceMark(mark *int, attr string, got int) error {
	if got < *mark {
		return StaleCounterError{Attr: attr, Prev: *mark, Got: got}
	}
	*mark = got
	return nil
}

// resetMarks forgets the counter high-water marks.  A new prepare
// legitimately rewinds the device counters to -1.
func (d *Device) resetMarks() {
	d.readyMark = -1
	d.savedMark = -1
}

// ReadFrames transfers frames [start, end) from the device and returns the
// decoded sequence.
func (d *Device) ReadFrames(start, end int) (dataarray.Sequence, error) {
	res, err := d.gw.InvokeCommand(cmdReadImageSeq, start, end)
	if err != nil {
		return dataarray.Sequence{}, CommError{Op: "command", Name: cmdReadImageSeq, Err: err}
	}
	payload, ok := res.(ImagePayload)
	if !ok {
		return dataarray.Sequence{}, fmt.Errorf("%s returned %T, want ImagePayload", cmdReadImageSeq, res)
	}
	if payload.Format != TransferFormat {
		return dataarray.Sequence{}, UnexpectedTransferFormatError{Format: payload.Format}
	}
	return d.dec.Decode(payload.Data, end-start)
}

// ResolveTrigger maps a synchronization mode onto a device trigger mode
// using the cached capability set and camera type.
func (d *Device) ResolveTrigger(sync trigger.Sync) (trigger.Mode, error) {
	caps, err := d.CapabilityValues(attrTriggerMode)
	if err != nil {
		return "", err
	}
	camType, err := d.CameraType()
	if err != nil {
		return "", err
	}
	return trigger.Resolve(sync, caps, camType)
}

// Acquisition builds the session for one acquisition.  The previous
// session, if any, is simply discarded by the caller; exactly one session
// is current at a time.
func (d *Device) Acquisition(cfg AcquisitionConfig, mode trigger.Mode, sav *saving.Saving) *Session {
	return &Session{
		dev:       d,
		sav:       sav,
		cfg:       cfg,
		mode:      mode,
		nbFrames:  cfg.NbPoints * cfg.NbStarts,
		lastSaved: -1,
	}
}

func (d *Device) readInt(name string) (int, error) {
	v, err := d.gw.ReadAttribute(name)
	if err != nil {
		return 0, CommError{Op: "read", Name: name, Err: err}
	}
	return toInt(v)
}

func (d *Device) readString(name string) (string, error) {
	v, err := d.gw.ReadAttribute(name)
	if err != nil {
		return "", CommError{Op: "read", Name: name, Err: err}
	}
	return toString(v)
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

func toString(v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("value %v (%T) is not a string", v, v)
	}
	return s, nil
}

func toBool(v interface{}) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("value %v (%T) is not a bool", v, v)
	}
	return b, nil
}
