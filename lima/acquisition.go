package lima

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ALBA-Synchrotron/sardana-limaccd/dataarray"
	"github.com/ALBA-Synchrotron/sardana-limaccd/saving"
	"github.com/ALBA-Synchrotron/sardana-limaccd/trigger"
)

// Geometry is the frame shape a detector variant delivers.
type Geometry int

const (
	// Image2D is a full two-dimensional image per frame.
	Image2D Geometry = iota

	// Row1D is a one-dimensional detector where each logical channel is a
	// row of the transferred image.
	Row1D
)

// AcquisitionConfig holds the per-acquisition parameters chosen by the
// scan controller.
type AcquisitionConfig struct {
	// Exposure is the exposure time per frame.
	Exposure time.Duration

	// NbPoints is the number of scan points per start.
	NbPoints int

	// NbStarts is the number of starts of the scan; the total frame count
	// is NbPoints * NbStarts.
	NbStarts int

	// Latency is the pause between frames.
	Latency time.Duration

	// Sync is the synchronization mode the configuration was resolved
	// from.
	Sync trigger.Sync

	// Geometry selects 1-D or 2-D readout.
	Geometry Geometry
}

func (c AcquisitionConfig) validate() error {
	if c.Exposure <= 0 {
		return fmt.Errorf("exposure time %v must be positive", c.Exposure)
	}
	if c.NbPoints < 1 {
		return fmt.Errorf("nb points %d must be >= 1", c.NbPoints)
	}
	if c.NbStarts < 1 {
		return fmt.Errorf("nb starts %d must be >= 1", c.NbStarts)
	}
	if c.Latency < 0 {
		return fmt.Errorf("latency time %v must not be negative", c.Latency)
	}
	return nil
}

// Status is the derived acquisition status vocabulary.  Fault-like device
// states pass through verbatim.
type Status string

const (
	StatusReady   Status = "Ready"
	StatusRunning Status = "Running"
)

// backlogInterval paces the wait for the device to clear its last-saved
// backlog during prepare.
const backlogInterval = 10 * time.Millisecond

// Session is the state machine of one acquisition.  It owns the local
// delivery counters and serves pull-based frame/reference retrieval.  One
// Session is current at a time and must be driven by one caller.
type Session struct {
	dev  *Device
	sav  *saving.Saving
	cfg  AcquisitionConfig
	mode trigger.Mode

	nbFrames     int
	startsCalled int
	stopped      bool

	// acqNext is the next frame index to deliver from the acquisition
	// path, saveNext the device's save-numbering base snapshotted at
	// start, lastSaved the last save index already turned into a
	// reference.
	acqNext   int
	saveNext  int
	lastSaved int
}

// NbFrames returns the total frame count of the acquisition.
func (s *Session) NbFrames() int { return s.nbFrames }

// Mode returns the resolved trigger mode.
func (s *Session) Mode() trigger.Mode { return s.mode }

// Config returns the acquisition configuration.
func (s *Session) Config() AcquisitionConfig { return s.cfg }

// Saving returns the session's saving coordinator.
func (s *Session) Saving() *saving.Saving { return s.sav }

// Started reports how many times Start has been called.
func (s *Session) Started() int { return s.startsCalled }

// Stopped reports whether the session was stopped or aborted.
func (s *Session) Stopped() bool { return s.stopped }

// Prepare writes the acquisition attributes, arms the device and resets
// the local counters.  A detector still busy from an earlier run is
// stopped first.  When saving is enabled it blocks until the device
// has cleared the last-saved backlog of the previous run, so an old
// counter cannot contaminate this acquisition.
func (s *Session) Prepare() error {
	if err := s.cfg.validate(); err != nil {
		return err
	}
	// A leftover run, aborted or still draining, blocks re-arming; the
	// device only honors prepareAcq from Ready.
	st, err := s.dev.readString(attrAcqStatus)
	if err != nil {
		return err
	}
	if st != string(StatusReady) {
		if _, err := s.dev.gw.InvokeCommand(cmdStop); err != nil {
			return CommError{Op: "command", Name: cmdStop, Err: err}
		}
	}
	s.acqNext, s.saveNext, s.lastSaved = 0, 0, -1
	s.startsCalled = 0
	s.stopped = false
	s.dev.resetMarks()

	names := []string{attrNbFrames, attrExpoTime, attrLatencyTime, attrTriggerMode}
	values := []interface{}{
		s.nbFrames,
		s.cfg.Exposure.Seconds(),
		s.cfg.Latency.Seconds(),
		string(s.mode),
	}
	if err := s.dev.gw.WriteAttributes(names, values); err != nil {
		return CommError{Op: "write", Name: "acquisition attributes", Err: err}
	}
	if err := s.sav.Prepare(s.dev.gw); err != nil {
		return err
	}
	if _, err := s.dev.gw.InvokeCommand(cmdPrepare); err != nil {
		return CommError{Op: "command", Name: cmdPrepare, Err: err}
	}
	if s.sav.Enabled {
		return s.waitBacklogClear()
	}
	return nil
}

// waitBacklogClear polls last_image_saved until the device reports -1.
// The loop is unbounded on purpose: the caller's patience is the timeout.
func (s *Session) waitBacklogClear() error {
	op := func() error {
		n, err := s.dev.readInt(attrLastImageSaved)
		if err != nil {
			return backoff.Permanent(err)
		}
		if n != -1 {
			return fmt.Errorf("last saved backlog still at %d", n)
		}
		return nil
	}
	return backoff.Retry(op, backoff.NewConstantBackOff(backlogInterval))
}

// Start arms a new step of the acquisition.  External modes only issue the
// device start once per arm; the hardware paces everything after that.
//
// The save-next-number snapshot is an approximation: at very short
// exposure times a few frames may already be saved before the read lands.
// The correct remedy is device-side atomic numbering, outside this
// package's control, so the race is accepted rather than papered over.
func (s *Session) Start() error {
	if !s.mode.External() || s.startsCalled < 1 {
		if _, err := s.dev.gw.InvokeCommand(cmdStart); err != nil {
			return CommError{Op: "command", Name: cmdStart, Err: err}
		}
		if s.sav.Enabled {
			n, err := s.dev.readInt(attrSavingNext)
			if err != nil {
				return err
			}
			s.saveNext = n
		}
	}
	s.startsCalled++
	return nil
}

// Stop issues the device stop command and absorbs the session.
func (s *Session) Stop() error {
	if _, err := s.dev.gw.InvokeCommand(cmdStop); err != nil {
		return CommError{Op: "command", Name: cmdStop, Err: err}
	}
	s.stopped = true
	return nil
}

// Abort issues the device abort command and absorbs the session.
func (s *Session) Abort() error {
	if _, err := s.dev.gw.InvokeCommand(cmdAbort); err != nil {
		return CommError{Op: "command", Name: cmdAbort, Err: err}
	}
	s.stopped = true
	return nil
}

// DerivedStatus computes the acquisition status from a fresh device
// snapshot.  It is a pure function of the snapshot and the session
// counters.
//
// The derivation must tolerate a device that still reports Running when
// every requested frame is present (the status flag lags the counters by a
// poll cycle) and one that reports Ready prematurely between the starts of
// a multi-start sequence.
func (s *Session) DerivedStatus(snap StatusSnapshot) Status {
	status := Status(snap.AcqStatus)
	if status != StatusReady && status != StatusRunning {
		return status
	}
	if s.stopped {
		return StatusReady
	}
	if s.startsCalled == 0 {
		return StatusReady
	}
	idxFinished := snap.IdxReady
	if s.sav.Enabled {
		idxFinished = snap.IdxSaved
	}
	if idxFinished < s.nbFrames-1 {
		status = StatusRunning
	}
	if status == StatusRunning {
		if s.mode.InternalMulti() && snap.ReadyForNext {
			if idxFinished+1 >= s.startsCalled || s.sav.ManagedMode == saving.ManagedHardware {
				status = StatusReady
			}
		} else if s.mode.External() && s.cfg.NbStarts > 1 {
			// hardware-triggered step scan: report Ready as soon as one
			// point is consumable so the host reads it out
			if idxFinished >= 0 {
				status = StatusReady
			}
		}
	}
	return status
}

// PollFrame delivers the next frame if the device has it, or nil when
// nothing new is available.  It never returns a torn frame: only indices
// the device reports ready are transferred.
func (s *Session) PollFrame() (*dataarray.Frame, error) {
	last, err := s.dev.LastImageReady()
	if err != nil {
		return nil, err
	}
	if s.acqNext > last {
		return nil, nil
	}
	seq, err := s.dev.ReadFrames(s.acqNext, s.acqNext+1)
	if err != nil {
		return nil, err
	}
	f, err := seq.Frame(0)
	if err != nil {
		return nil, err
	}
	s.acqNext++
	return &f, nil
}

// PollFrames delivers every frame that became available since the last
// poll, in order.  With an unchanged device counter it returns an empty
// slice.
func (s *Session) PollFrames() ([]dataarray.Frame, error) {
	last, err := s.dev.LastImageReady()
	if err != nil {
		return nil, err
	}
	if s.acqNext > last {
		return nil, nil
	}
	seq, err := s.dev.ReadFrames(s.acqNext, last+1)
	if err != nil {
		return nil, err
	}
	frames, err := seq.Frames()
	if err != nil {
		return nil, err
	}
	s.acqNext += len(frames)
	return frames, nil
}

// Row extracts one channel's readout from a decoded frame.  Detectors
// that deliver a row per channel (MCAs, strip detectors) are configured
// with Row1D geometry; two-dimensional cameras have no per-channel rows.
func (s *Session) Row(f dataarray.Frame, channel int) ([]byte, error) {
	if s.cfg.Geometry != Row1D {
		return nil, fmt.Errorf("per-channel readout requires Row1D geometry, config has 2-D frames")
	}
	return f.Row(channel)
}

// PollReference builds the reference for the current point in software
// synchronization.  The save numbering advances through the per-point
// Start snapshot; in hardware-managed saving the file index is folded by
// frames-per-file since one container holds many frames.
func (s *Session) PollReference() string {
	n := s.saveNext
	if s.sav.ManagedMode == saving.ManagedHardware {
		n = (s.lastSaved+1)/s.framesPerFile() + s.saveNext
		s.lastSaved++
	}
	return s.sav.Filename(n)
}

// PollReferences returns the references of every frame saved since the
// last poll, never re-emitting nor skipping one.
func (s *Session) PollReferences() ([]string, error) {
	last, err := s.dev.LastImageSaved()
	if err != nil {
		return nil, err
	}
	n := last - s.lastSaved
	if n <= 0 {
		return nil, nil
	}
	refs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		fileNr := (s.lastSaved+1)/s.framesPerFile() + s.saveNext
		refs = append(refs, s.sav.Filename(fileNr))
		s.lastSaved++
	}
	return refs, nil
}

func (s *Session) framesPerFile() int {
	if s.sav.FramesPerFile < 1 {
		return 1
	}
	return s.sav.FramesPerFile
}
