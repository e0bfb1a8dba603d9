/*Package saving derives a LimaCCDs file-saving configuration from a
reference pattern and drives the device's save-numbering warm-up protocol.

A pattern looks like

	file:///data/scan/img_{index:04d}.edf

and decomposes into a directory, a filename prefix, an index format and a
suffix whose extension selects the on-disk format.
*/
package saving

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// Format is a file format the LimaCCDs saving subsystem can write.
type Format string

// Supported saving formats.
const (
	EDF  Format = "EDF"
	HDF5 Format = "HDF5"
	CBF  Format = "CBF"
	TIFF Format = "TIFF"
)

// extFormats maps filename extensions to saving formats.
// TODO: include the other formats the Lima core supports (Nexus, Fli).
var extFormats = map[string]Format{
	".edf":  EDF,
	".h5":   HDF5,
	".hdf5": HDF5,
	".cbf":  CBF,
	".tiff": TIFF,
}

// ManagedMode says whether file numbering is paced by the host software or
// by the detector hardware itself.
type ManagedMode string

// Managed modes reported by the saving_managed_mode attribute.
const (
	ManagedSoftware ManagedMode = "SOFTWARE"
	ManagedHardware ManagedMode = "HARDWARE"
)

// Saving attribute names on the LimaCCDs device.
const (
	attrMode            = "saving_mode"
	attrOverwritePolicy = "saving_overwrite_policy"
	attrDirectory       = "saving_directory"
	attrFormat          = "saving_format"
	attrSuffix          = "saving_suffix"
	attrIndexFormat     = "saving_index_format"
	attrPrefix          = "saving_prefix"
	attrNextNumber      = "saving_next_number"
	attrFramesPerFile   = "saving_frame_per_file"
	attrManagedMode     = "saving_managed_mode"
)

// InvalidPatternError is returned when a reference pattern cannot be
// decomposed into directory, prefix, index and suffix.
type InvalidPatternError struct {
	Pattern string
	Reason  string
}

func (e InvalidPatternError) Error() string {
	return fmt.Sprintf("invalid saving pattern %q: %s", e.Pattern, e.Reason)
}

// UnsupportedFormatError is returned when the pattern suffix matches no
// known saving format.
type UnsupportedFormatError struct {
	Suffix string
}

func (e UnsupportedFormatError) Error() string {
	return fmt.Sprintf("the extension %q is not a supported saving format", e.Suffix)
}

// Config is the saving configuration derived from one pattern.
type Config struct {
	Directory   string
	Prefix      string
	Suffix      string
	IndexFormat string
	Format      Format

	// Mode and OverwritePolicy are fixed by Prepare (AUTO_FRAME / ABORT
	// while saving is enabled, MANUAL otherwise).
	Mode            string
	OverwritePolicy string
}

var (
	placeholderRe = regexp.MustCompile(`\{(.*?)\}`)
	prefixRe      = regexp.MustCompile(`(.*?)\{`)
)

// ParsePattern decomposes a reference pattern into a Config.
func ParsePattern(pattern string) (Config, error) {
	cfg := Config{}
	marker := strings.Index(pattern, "://")
	if marker < 0 {
		return cfg, InvalidPatternError{Pattern: pattern, Reason: "missing :// marker"}
	}
	dirFile := pattern[marker+3:]
	cfg.Directory = path.Dir(dirFile)
	file := path.Base(dirFile)
	cfg.Suffix = path.Ext(file)
	stem := strings.TrimSuffix(file, cfg.Suffix)

	format, ok := extFormats[cfg.Suffix]
	if !ok {
		return cfg, UnsupportedFormatError{Suffix: cfg.Suffix}
	}
	cfg.Format = format

	for _, m := range placeholderRe.FindAllStringSubmatch(stem, -1) {
		key, value, found := strings.Cut(m[1], ":")
		if !found {
			continue
		}
		if strings.ToLower(key) == "index" {
			width, _, _ := strings.Cut(value, "d")
			cfg.IndexFormat = "%" + width + "d"
		}
	}
	if cfg.IndexFormat == "" {
		return cfg, InvalidPatternError{Pattern: pattern, Reason: "missing {index:<width>d} placeholder"}
	}

	pm := prefixRe.FindStringSubmatch(stem)
	if pm == nil {
		return cfg, InvalidPatternError{Pattern: pattern, Reason: "cannot extract prefix"}
	}
	cfg.Prefix = pm[1]
	return cfg, nil
}

// PathMap translates an acquisition-side directory to the mount the
// detector host sees, e.g. a Linux beamline path to a Windows drive.
// The zero value is a no-op.
type PathMap struct {
	// Drive is the target drive or mount, e.g. "L" or "L:/".
	Drive string

	// RemoveBasePath is the acquisition-side base to strip before
	// prepending Drive.
	RemoveBasePath string
}

// Apply remaps dir.  It is idempotent: a directory already rooted at Drive
// is returned unchanged.
func (p PathMap) Apply(dir string) string {
	if p.Drive == "" {
		return dir
	}
	drive := p.Drive
	if !strings.Contains(drive, ":") {
		drive += ":/"
	} else if !strings.Contains(drive, "/") {
		drive += "/"
	}
	if strings.HasPrefix(dir, drive) {
		return dir
	}
	rest := dir
	if p.RemoveBasePath != "" {
		parts := strings.Split(dir, p.RemoveBasePath)
		rest = parts[len(parts)-1]
	}
	return drive + rest
}

// Clock abstracts time for the warm-up poll loop so tests can simulate
// elapsed time without real delays.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }
