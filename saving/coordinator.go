package saving

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Device is the subset of the detector attribute interface the saving
// coordinator needs.
type Device interface {
	ReadAttribute(name string) (interface{}, error)
	WriteAttribute(name string, value interface{}) error
}

// Default timing of the save-numbering warm-up protocol.  The settle delay
// and budget are empirical: after the prefix is rewritten with overwrite
// policy ABORT, LimaCCDs recomputes the next number against the files
// already on disk, which takes time proportional to the directory size.
const (
	DefaultSettleDelay  = 50 * time.Millisecond
	DefaultPollInterval = 30 * time.Millisecond
	DefaultWarmUpBudget = 2500 * time.Millisecond
)

// nextNumberSentinel is the value LimaCCDs reports while the next number
// is being recomputed.  Some device variants never leave it; warm-up
// budget expiry is therefore not an error.
const nextNumberSentinel = -1

// Saving coordinates the device's file-writing subsystem for one
// acquisition: it derives the attribute configuration from a reference
// pattern, arms the numbering warm-up and builds reference filenames.
type Saving struct {
	// Enabled gates the whole subsystem; when false, Prepare only forces
	// the device saving mode to MANUAL.
	Enabled bool

	// Pattern is the reference pattern, e.g.
	// "file:///data/scan/img_{index:04d}.edf".
	Pattern string

	// FirstImageNumber is the desired first save index.  Zero disables the
	// warm-up protocol since it is the LimaCCDs default.
	FirstImageNumber int

	// DatasetPath is the path inside HDF5 containers where the data
	// lives, appended to references so consumers can open them as virtual
	// datasets.
	DatasetPath string

	// HardwarePrefix is an extra token some detectors insert between the
	// prefix and the index in hardware-managed saving (e.g. "_data_" for
	// the Eiger).
	HardwarePrefix string

	// Remap translates the directory to the detector host's mount.
	Remap PathMap

	// SettleDelay, PollInterval and Budget tune the warm-up protocol; the
	// zero values select the defaults above.
	SettleDelay  time.Duration
	PollInterval time.Duration
	Budget       time.Duration

	// Clock is the time source for warm-up; nil selects the wall clock.
	Clock Clock

	// Log receives debug traces; nil discards them.
	Log logrus.FieldLogger

	// Config is the derived configuration, valid after Prepare.
	Config Config

	// FramesPerFile and ManagedMode are read back from the device during
	// Prepare.
	FramesPerFile int
	ManagedMode   ManagedMode
}

func (s *Saving) clock() Clock {
	if s.Clock == nil {
		return systemClock{}
	}
	return s.Clock
}

func (s *Saving) log() logrus.FieldLogger {
	if s.Log == nil {
		l := logrus.New()
		l.SetOutput(nopWriter{})
		return l
	}
	return s.Log
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// Prepare derives the configuration from the pattern and writes it to the
// device.  The attribute order matters: the prefix is written last because
// writing it triggers the device-side next-number recomputation.
func (s *Saving) Prepare(dev Device) error {
	if !s.Enabled {
		s.Config = Config{Mode: "MANUAL"}
		return dev.WriteAttribute(attrMode, "MANUAL")
	}
	cfg, err := ParsePattern(s.Pattern)
	if err != nil {
		return err
	}
	cfg.Mode = "AUTO_FRAME"
	cfg.OverwritePolicy = "ABORT"

	s.FramesPerFile, err = readInt(dev, attrFramesPerFile)
	if err != nil {
		return err
	}
	if s.FramesPerFile < 1 {
		s.FramesPerFile = 1
	}
	managed, err := readString(dev, attrManagedMode)
	if err != nil {
		return err
	}
	s.ManagedMode = ManagedMode(managed)

	writes := []struct {
		name  string
		value interface{}
	}{
		{attrMode, cfg.Mode},
		{attrOverwritePolicy, cfg.OverwritePolicy},
		{attrDirectory, s.Remap.Apply(cfg.Directory)},
		{attrFormat, string(cfg.Format)},
		{attrSuffix, cfg.Suffix},
		{attrIndexFormat, cfg.IndexFormat},
		{attrPrefix, cfg.Prefix},
	}
	for _, wr := range writes {
		if err := dev.WriteAttribute(wr.name, wr.value); err != nil {
			return err
		}
	}
	s.Config = cfg

	if s.FirstImageNumber != 0 {
		return s.warmUp(dev, cfg.Prefix)
	}
	return nil
}

// warmUp drives the save-numbering protocol: park the next number on the
// sentinel, rewrite the prefix to force a recomputation, then poll until
// the device reports zero and overwrite it with the first image number.
// Budget expiry returns nil; whatever number resulted is used.
func (s *Saving) warmUp(dev Device, prefix string) error {
	clk := s.clock()
	settle, interval, budget := s.SettleDelay, s.PollInterval, s.Budget
	if settle == 0 {
		settle = DefaultSettleDelay
	}
	if interval == 0 {
		interval = DefaultPollInterval
	}
	if budget == 0 {
		budget = DefaultWarmUpBudget
	}

	if err := dev.WriteAttribute(attrNextNumber, nextNumberSentinel); err != nil {
		return err
	}
	clk.Sleep(settle)
	if err := dev.WriteAttribute(attrPrefix, prefix); err != nil {
		return err
	}

	t0 := clk.Now()
	next := nextNumberSentinel
	for next == nextNumberSentinel && clk.Now().Sub(t0) < budget {
		var err error
		next, err = readInt(dev, attrNextNumber)
		if err != nil {
			return err
		}
		if next == 0 {
			if err := dev.WriteAttribute(attrNextNumber, s.FirstImageNumber); err != nil {
				return err
			}
		}
		clk.Sleep(interval)
	}
	s.log().WithFields(logrus.Fields{
		"next_number": next,
		"elapsed":     clk.Now().Sub(t0),
	}).Debug("saving warm-up finished")
	return nil
}

// Filename builds the reference for save-file index.  HDF5 containers get
// the h5file scheme and the dataset path so downstream consumers can open
// them as virtual datasets.
func (s *Saving) Filename(index int) string {
	scheme, dataset, hw := "file", "", ""
	if s.Config.Format == HDF5 {
		scheme = "h5file"
		if s.DatasetPath != "" {
			dataset = "::" + s.DatasetPath
		}
	}
	if s.ManagedMode == ManagedHardware {
		hw = s.HardwarePrefix
	}
	idx := fmt.Sprintf(s.Config.IndexFormat, index)
	return fmt.Sprintf("%s://%s/%s%s%s%s%s",
		scheme, s.Config.Directory, s.Config.Prefix, hw, idx, s.Config.Suffix, dataset)
}

func readInt(dev Device, name string) (int, error) {
	v, err := dev.ReadAttribute(name)
	if err != nil {
		return 0, err
	}
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
	return 0, fmt.Errorf("attribute %s holds %T, want an integer", name, v)
}

func readString(dev Device, name string) (string, error) {
	v, err := dev.ReadAttribute(name)
	if err != nil {
		return "", err
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("attribute %s holds %T, want a string", name, v)
	}
	return str, nil
}
