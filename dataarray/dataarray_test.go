package dataarray

import (
	"encoding/binary"
	"errors"
	"testing"
)

// makeBuffer builds n concatenated synthetic frames of the given version
// with a ramp payload.
func makeBuffer(t *testing.T, version uint16, n, d1, d2 int, dtype DType) []byte {
	t.Helper()
	hsize, err := HeaderSize(version)
	if err != nil {
		t.Fatalf("HeaderSize(%d): %v", version, err)
	}
	stride := hsize + d1*d2*dtype.Size()
	buf := make([]byte, n*stride)
	for i := 0; i < n; i++ {
		h := buf[i*stride:]
		binary.LittleEndian.PutUint32(h[0:4], Magic)
		binary.LittleEndian.PutUint16(h[4:6], version)
		binary.LittleEndian.PutUint16(h[6:8], uint16(hsize))
		binary.LittleEndian.PutUint32(h[8:12], 0) // category
		binary.LittleEndian.PutUint32(h[12:16], uint32(dtype))
		binary.LittleEndian.PutUint16(h[16:18], 0) // little endian
		binary.LittleEndian.PutUint16(h[18:20], 2) // ndim
		binary.LittleEndian.PutUint16(h[20:22], uint16(d1))
		binary.LittleEndian.PutUint16(h[22:24], uint16(d2))
		payload := h[hsize:stride]
		for j := range payload {
			payload[j] = byte(i + j)
		}
	}
	return buf
}

func TestDecodeCountAndShape(t *testing.T) {
	for _, version := range []uint16{2, 3, 4} {
		d, err := NewDecoder(version)
		if err != nil {
			t.Fatalf("NewDecoder(%d): %v", version, err)
		}
		buf := makeBuffer(t, version, 3, 6, 4, U16)
		seq, err := d.Decode(buf, 3)
		if err != nil {
			t.Fatalf("v%d decode: %v", version, err)
		}
		if seq.Len() != 3 {
			t.Errorf("v%d: expected 3 frames, got %d", version, seq.Len())
		}
		for i := 0; i < seq.Len(); i++ {
			f, err := seq.Frame(i)
			if err != nil {
				t.Fatalf("v%d frame %d: %v", version, i, err)
			}
			// default orientation: d2 rows of d1 pixels
			if f.Width != 6 || f.Height != 4 {
				t.Errorf("v%d frame %d: shape %dx%d, want 6x4", version, i, f.Width, f.Height)
			}
			if len(f.Data) != 6*4*2 {
				t.Errorf("v%d frame %d: %d payload bytes, want %d", version, i, len(f.Data), 6*4*2)
			}
			if f.Data[0] != byte(i) {
				t.Errorf("v%d frame %d: first byte %d, want %d", version, i, f.Data[0], i)
			}
		}
	}
}

func TestDecodeIsRestartable(t *testing.T) {
	d, _ := NewDecoder(2)
	buf := makeBuffer(t, 2, 2, 3, 3, U8)
	seq, err := d.Decode(buf, 2)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := seq.Frame(1)
	b, _ := seq.Frame(0)
	c, _ := seq.Frame(1)
	if a.Data[0] != c.Data[0] {
		t.Error("re-reading a frame changed its content")
	}
	if b.Data[0] == a.Data[0] {
		t.Error("frames 0 and 1 decoded to the same payload")
	}
}

func TestDecodeNoCopy(t *testing.T) {
	d, _ := NewDecoder(2)
	buf := makeBuffer(t, 2, 1, 4, 4, U8)
	seq, _ := d.Decode(buf, 1)
	f, _ := seq.Frame(0)
	buf[64] = 0xAA // first payload byte
	if f.Data[0] != 0xAA {
		t.Error("frame data is a copy, expected a view into the buffer")
	}
}

func TestDecodeBadMagic(t *testing.T) {
	d, _ := NewDecoder(2)
	buf := makeBuffer(t, 2, 1, 4, 4, U16)
	binary.LittleEndian.PutUint32(buf[0:4], 0xDEADBEEF)
	_, err := d.Decode(buf, 1)
	var mh MalformedHeaderError
	if !errors.As(err, &mh) {
		t.Fatalf("expected MalformedHeaderError, got %v", err)
	}
	if mh.Magic != 0xDEADBEEF {
		t.Errorf("error carries magic 0x%08X, want 0xDEADBEEF", mh.Magic)
	}
}

func TestDecodeVersionMismatch(t *testing.T) {
	d, _ := NewDecoder(2)
	buf := makeBuffer(t, 4, 1, 4, 4, U16)
	_, err := d.Decode(buf, 1)
	var uv UnsupportedVersionError
	if !errors.As(err, &uv) {
		t.Fatalf("expected UnsupportedVersionError, got %v", err)
	}
}

func TestDecodeUnknownVersion(t *testing.T) {
	if _, err := NewDecoder(7); err == nil {
		t.Error("expected an error for version 7")
	}
	d, _ := NewDecoder(2)
	buf := makeBuffer(t, 2, 1, 4, 4, U16)
	binary.LittleEndian.PutUint16(buf[4:6], 7)
	if _, err := d.Decode(buf, 1); err == nil {
		t.Error("expected an error decoding version 7 header")
	}
}

func TestDecodeHeaderSizeMismatch(t *testing.T) {
	d, _ := NewDecoder(2)
	buf := makeBuffer(t, 2, 1, 4, 4, U16)
	binary.LittleEndian.PutUint16(buf[6:8], 48)
	_, err := d.Decode(buf, 1)
	var hs HeaderSizeMismatchError
	if !errors.As(err, &hs) {
		t.Fatalf("expected HeaderSizeMismatchError, got %v", err)
	}
	if hs.Got != 48 || hs.Want != 64 {
		t.Errorf("got %d/%d, want 48/64", hs.Got, hs.Want)
	}
}

func TestDecodeReservedPixelType(t *testing.T) {
	d, _ := NewDecoder(2)
	buf := makeBuffer(t, 2, 1, 4, 4, U16)
	binary.LittleEndian.PutUint32(buf[12:16], 3)
	_, err := d.Decode(buf, 1)
	var up UnsupportedPixelTypeError
	if !errors.As(err, &up) {
		t.Fatalf("expected UnsupportedPixelTypeError, got %v", err)
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	d, _ := NewDecoder(2)
	buf := makeBuffer(t, 2, 1, 4, 4, U16)
	if _, err := d.Decode(buf, 2); err == nil {
		t.Error("expected an error decoding 2 frames from a 1 frame buffer")
	}
}

func TestOrientationHonored(t *testing.T) {
	buf := makeBuffer(t, 2, 1, 6, 4, U8)
	for _, tc := range []struct {
		orient        Orientation
		width, height int
	}{
		{HeightWidth, 6, 4},
		{WidthHeight, 4, 6},
	} {
		d := Decoder{Version: 2, Orientation: tc.orient}
		seq, err := d.Decode(buf, 1)
		if err != nil {
			t.Fatal(err)
		}
		f, _ := seq.Frame(0)
		if f.Width != tc.width || f.Height != tc.height {
			t.Errorf("orientation %v: shape %dx%d, want %dx%d",
				tc.orient, f.Width, f.Height, tc.width, tc.height)
		}
		// the same buffer through either orientation holds the same pixels
		if len(f.Data) != 24 {
			t.Errorf("orientation %v: %d bytes, want 24", tc.orient, len(f.Data))
		}
	}
}

func TestFrameRow(t *testing.T) {
	d, _ := NewDecoder(2)
	buf := makeBuffer(t, 2, 1, 4, 3, U8)
	seq, _ := d.Decode(buf, 1)
	f, _ := seq.Frame(0)
	row, err := f.Row(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(row) != 4 {
		t.Errorf("row length %d, want 4", len(row))
	}
	if row[0] != f.Data[4] {
		t.Error("row 1 does not start at the second stride")
	}
	if _, err := f.Row(3); err == nil {
		t.Error("expected an error for out of range row")
	}
}

func TestDTypeTable(t *testing.T) {
	cases := []struct {
		d    DType
		name string
		size int
	}{
		{U8, "u1", 1},
		{U16, "u2", 2},
		{U32, "u4", 4},
		{I8, "i1", 1},
		{I16, "i2", 2},
		{I32, "i4", 4},
	}
	for _, tc := range cases {
		if tc.d.String() != tc.name {
			t.Errorf("%v name %q, want %q", tc.d, tc.d.String(), tc.name)
		}
		if tc.d.Size() != tc.size {
			t.Errorf("%v size %d, want %d", tc.d, tc.d.Size(), tc.size)
		}
	}
}
