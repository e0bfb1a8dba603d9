package lima

import (
	"fmt"
	"strings"
)

// Param enumerates the device attributes exposed to the scan controller as
// controller parameters.  A typed enum with a lookup table replaces the
// name-keyed branching of attribute dispatch, so an unknown parameter is a
// value that fails to parse instead of a silent string mismatch.
type Param int

const (
	ParamCameraModel Param = iota
	ParamCameraType
	ParamSavingCommonHeader
	ParamSavingFramePerFile
	ParamSavingHeaderDelimiter
	ParamSavingManagedMode
	ParamSavingMaxWritingTask
	ParamSavingMode
	ParamSavingNextNumber
	ParamSavingOverwritePolicy
	ParamSavingPrefix
	ParamSavingSuffix
)

// paramInfo binds a Param to its device attribute name and writability.
type paramInfo struct {
	attr     string
	writable bool
}

var params = map[Param]paramInfo{
	ParamCameraModel:           {attr: "camera_model"},
	ParamCameraType:            {attr: "camera_type"},
	ParamSavingCommonHeader:    {attr: "saving_common_header", writable: true},
	ParamSavingFramePerFile:    {attr: "saving_frame_per_file", writable: true},
	ParamSavingHeaderDelimiter: {attr: "saving_header_delimiter", writable: true},
	ParamSavingManagedMode:     {attr: "saving_managed_mode", writable: true},
	ParamSavingMaxWritingTask:  {attr: "saving_max_writing_task", writable: true},
	ParamSavingMode:            {attr: "saving_mode", writable: true},
	ParamSavingNextNumber:      {attr: "saving_next_number", writable: true},
	ParamSavingOverwritePolicy: {attr: "saving_overwrite_policy", writable: true},
	ParamSavingPrefix:          {attr: "saving_prefix", writable: true},
	ParamSavingSuffix:          {attr: "saving_suffix", writable: true},
}

// String returns the device attribute name of the parameter.
func (p Param) String() string {
	if info, ok := params[p]; ok {
		return info.attr
	}
	return fmt.Sprintf("Param(%d)", int(p))
}

// Writable reports whether the parameter can be set.
func (p Param) Writable() bool {
	return params[p].writable
}

// ParseParam resolves a controller parameter name.  Matching is
// case-insensitive and ignores underscores, so both "SavingNextNumber" and
// "saving_next_number" resolve.
func ParseParam(name string) (Param, bool) {
	key := strings.ReplaceAll(strings.ToLower(name), "_", "")
	for p, info := range params {
		if strings.ReplaceAll(info.attr, "_", "") == key {
			return p, true
		}
	}
	return 0, false
}

// Param reads a controller parameter from the device.
func (d *Device) Param(p Param) (interface{}, error) {
	info, ok := params[p]
	if !ok {
		return nil, fmt.Errorf("unknown parameter %v", p)
	}
	v, err := d.gw.ReadAttribute(info.attr)
	if err != nil {
		return nil, CommError{Op: "read", Name: info.attr, Err: err}
	}
	return v, nil
}

// SetParam writes a controller parameter to the device.
func (d *Device) SetParam(p Param, value interface{}) error {
	info, ok := params[p]
	if !ok {
		return fmt.Errorf("unknown parameter %v", p)
	}
	if !info.writable {
		return fmt.Errorf("parameter %s is read-only", info.attr)
	}
	if err := d.gw.WriteAttribute(info.attr, value); err != nil {
		return CommError{Op: "write", Name: info.attr, Err: err}
	}
	return nil
}
