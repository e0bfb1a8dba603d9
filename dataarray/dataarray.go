/*Package dataarray decodes the versioned DATA_ARRAY binary format used by
LimaCCDs servers to transfer image frames.

A DATA_ARRAY buffer is a concatenation of frames, each one a fixed-size
little-endian header followed by the raw pixel payload.  The header layout
is versioned; this package supports versions 2, 3 and 4, keeping the
per-version geometry in a table rather than duplicated parsing code.
*/
package dataarray

import (
	"encoding/binary"
	"fmt"
)

// Magic is the leading u32 of every DATA_ARRAY header ("YATD" little-endian).
const Magic = 0x44544159

// headerPrefixSize is the size in bytes of the fields shared by all
// supported versions: magic u32, version u16, headerSize u16, category u32,
// imageType u32, endianness u16, ndim u16, dim1 u16, dim2 u16.
const headerPrefixSize = 24

// layout describes the geometry of one header version.  The trailing fields
// after the shared prefix differ per version (v3 narrows the frame-count
// trailer to a u64, v4 appends two extra u32 fields), so only the total
// size matters for decoding.
type layout struct {
	headerSize int
}

// layouts maps a DataArrayVersion to its header geometry.
var layouts = map[uint16]layout{
	2: {headerSize: 64},
	3: {headerSize: 64},
	4: {headerSize: 80},
}

// DType identifies the pixel data type of a frame.
type DType int

// Pixel data types, in the order the imageType header field indexes them.
const (
	U8 DType = iota
	U16
	U32
	reservedDType
	I8
	I16
	I32
)

var dtypeNames = [...]string{"u1", "u2", "u4", "", "i1", "i2", "i4"}
var dtypeSizes = [...]int{1, 2, 4, 0, 1, 2, 4}

func (d DType) String() string {
	if d < 0 || int(d) >= len(dtypeNames) || d == reservedDType {
		return fmt.Sprintf("DType(%d)", int(d))
	}
	return dtypeNames[d]
}

// Size returns the width of one pixel in bytes.
func (d DType) Size() int {
	if d < 0 || int(d) >= len(dtypeSizes) {
		return 0
	}
	return dtypeSizes[d]
}

// Orientation selects how the two header dimensions map to width and height.
// Some LimaCCDs firmware versions historically swapped the order, so the
// choice belongs to the caller instead of being hardcoded.
type Orientation int

const (
	// HeightWidth treats dim2 as the number of rows and dim1 as the row
	// length, matching numpy's (d2, d1) shape used by most servers.
	HeightWidth Orientation = iota

	// WidthHeight treats dim1 as the number of rows and dim2 as the row
	// length.
	WidthHeight
)

// MalformedHeaderError is returned when the leading magic constant of a
// frame header does not match Magic.
type MalformedHeaderError struct {
	Magic uint32
}

func (e MalformedHeaderError) Error() string {
	return fmt.Sprintf("dataarray: bad magic 0x%08X, want 0x%08X", e.Magic, Magic)
}

// UnsupportedVersionError is returned when the header carries a version this
// package does not know, or one different from the decoder's configured
// version.
type UnsupportedVersionError struct {
	Version uint16
}

func (e UnsupportedVersionError) Error() string {
	return fmt.Sprintf("dataarray: version %d not supported, supported versions are 2, 3 and 4", e.Version)
}

// HeaderSizeMismatchError is returned when the declared header size does not
// equal the fixed size for the header's version.
type HeaderSizeMismatchError struct {
	Got  uint16
	Want uint16
}

func (e HeaderSizeMismatchError) Error() string {
	return fmt.Sprintf("dataarray: header size %d, want %d", e.Got, e.Want)
}

// UnsupportedPixelTypeError is returned when the imageType field indexes the
// reserved slot of the pixel type table, or falls outside it.
type UnsupportedPixelTypeError struct {
	Index uint32
}

func (e UnsupportedPixelTypeError) Error() string {
	return fmt.Sprintf("dataarray: image type %d has no pixel representation", e.Index)
}

// ShortBufferError is returned when the buffer cannot hold the requested
// number of frames for the decoded geometry.
type ShortBufferError struct {
	Len  int
	Need int
}

func (e ShortBufferError) Error() string {
	return fmt.Sprintf("dataarray: buffer holds %d bytes, need %d", e.Len, e.Need)
}

// Frame is one decoded image.  Data is a view into the buffer passed to
// Decode, not a copy.
type Frame struct {
	Width  int
	Height int
	DType  DType
	Data   []byte
}

// Row returns a view of row y of the frame.  It is the readout primitive
// for 1-D detectors, where each logical channel is one row of the image.
func (f Frame) Row(y int) ([]byte, error) {
	if y < 0 || y >= f.Height {
		return nil, fmt.Errorf("dataarray: row %d out of range, frame has %d rows", y, f.Height)
	}
	stride := f.Width * f.DType.Size()
	return f.Data[y*stride : (y+1)*stride], nil
}

// Sequence is a lazy, finite, restartable view over the frames of one
// decoded buffer.  Frames share the backing buffer; Frame may be called in
// any order and any number of times.
type Sequence struct {
	buf    []byte
	count  int
	stride int
	hsize  int
	width  int
	height int
	dtype  DType
}

// Len returns the number of frames in the sequence.
func (s Sequence) Len() int { return s.count }

// Frame returns frame i of the sequence as a view into the backing buffer.
func (s Sequence) Frame(i int) (Frame, error) {
	if i < 0 || i >= s.count {
		return Frame{}, fmt.Errorf("dataarray: frame %d out of range, sequence has %d frames", i, s.count)
	}
	off := i*s.stride + s.hsize
	n := s.width * s.height * s.dtype.Size()
	return Frame{
		Width:  s.width,
		Height: s.height,
		DType:  s.dtype,
		Data:   s.buf[off : off+n],
	}, nil
}

// Frames realizes the whole sequence as a slice.
func (s Sequence) Frames() ([]Frame, error) {
	out := make([]Frame, s.count)
	for i := 0; i < s.count; i++ {
		f, err := s.Frame(i)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

// Decoder decodes DATA_ARRAY buffers of one configured version.
type Decoder struct {
	// Version is the expected DataArrayVersion.  It must match the version
	// reported by the device firmware; LimaCCDs <1.9.17 use 2, >=1.9.17
	// use 3 and >=1.10 use 4.
	Version uint16

	// Orientation selects the physical meaning of the two header dimensions.
	Orientation Orientation
}

// NewDecoder returns a Decoder for the given version, or an
// UnsupportedVersionError if the version is unknown.
func NewDecoder(version uint16) (Decoder, error) {
	if _, ok := layouts[version]; !ok {
		return Decoder{}, UnsupportedVersionError{Version: version}
	}
	return Decoder{Version: version}, nil
}

// Decode interprets buf as n concatenated frames and returns a lazy
// sequence over them.  All frames are assumed to share the geometry of the
// first header; pixel data is never copied.
func (d Decoder) Decode(buf []byte, n int) (Sequence, error) {
	if len(buf) < headerPrefixSize {
		return Sequence{}, ShortBufferError{Len: len(buf), Need: headerPrefixSize}
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != Magic {
		return Sequence{}, MalformedHeaderError{Magic: magic}
	}
	version := binary.LittleEndian.Uint16(buf[4:6])
	lay, ok := layouts[version]
	if !ok || version != d.Version {
		return Sequence{}, UnsupportedVersionError{Version: version}
	}
	hsize := binary.LittleEndian.Uint16(buf[6:8])
	if int(hsize) != lay.headerSize {
		return Sequence{}, HeaderSizeMismatchError{Got: hsize, Want: uint16(lay.headerSize)}
	}
	imageType := binary.LittleEndian.Uint32(buf[12:16])
	if imageType >= uint32(len(dtypeSizes)) || DType(imageType) == reservedDType {
		return Sequence{}, UnsupportedPixelTypeError{Index: imageType}
	}
	dtype := DType(imageType)
	dim1 := int(binary.LittleEndian.Uint16(buf[20:22]))
	dim2 := int(binary.LittleEndian.Uint16(buf[22:24]))
	width, height := dim1, dim2
	if d.Orientation == WidthHeight {
		width, height = dim2, dim1
	}
	stride := lay.headerSize + dim1*dim2*dtype.Size()
	if need := n * stride; len(buf) < need {
		return Sequence{}, ShortBufferError{Len: len(buf), Need: need}
	}
	return Sequence{
		buf:    buf,
		count:  n,
		stride: stride,
		hsize:  lay.headerSize,
		width:  width,
		height: height,
		dtype:  dtype,
	}, nil
}

// HeaderSize returns the fixed header size in bytes for a supported version.
func HeaderSize(version uint16) (int, error) {
	lay, ok := layouts[version]
	if !ok {
		return 0, UnsupportedVersionError{Version: version}
	}
	return lay.headerSize, nil
}
