package limahttp

import (
	"encoding/binary"
	"fmt"
	"image"
	"io"

	"github.com/astrogo/fitsio"

	"github.com/ALBA-Synchrotron/sardana-limaccd/dataarray"
)

// WriteFITS streams the frames as one FITS file, a 2-D HDU for a single
// frame or a cube for several.  Unsigned 16-bit data uses the BZERO/BSCALE
// convention so readers recover the full range.
func WriteFITS(w io.Writer, metadata []fitsio.Card, frames []dataarray.Frame) error {
	if len(frames) == 0 {
		return fmt.Errorf("no frames to export")
	}
	f := frames[0]
	dims := []int{f.Width, f.Height}
	if len(frames) > 1 {
		dims = append(dims, len(frames))
	}

	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()

	bitpix := 16
	switch f.DType {
	case dataarray.U8, dataarray.I8:
		bitpix = 8
	case dataarray.U32, dataarray.I32:
		bitpix = 32
	}
	im := fitsio.NewImage(bitpix, dims)
	defer im.Close()

	if f.DType == dataarray.U16 {
		metadata = append(metadata,
			fitsio.Card{Name: "BZERO", Value: 32768},
			fitsio.Card{Name: "BSCALE", Value: 1.0})
	}
	if err := im.Header().Append(metadata...); err != nil {
		return err
	}

	npix := f.Width * f.Height
	switch bitpix {
	case 8:
		buf := make([]int8, npix*len(frames))
		for i, fr := range frames {
			for j, b := range fr.Data {
				buf[i*npix+j] = int8(b)
			}
		}
		if err := im.Write(buf); err != nil {
			return err
		}
	case 16:
		buf := make([]int16, npix*len(frames))
		for i, fr := range frames {
			for j := 0; j < npix; j++ {
				v := binary.LittleEndian.Uint16(fr.Data[2*j:])
				if fr.DType == dataarray.U16 {
					buf[i*npix+j] = int16(v - 32768)
				} else {
					buf[i*npix+j] = int16(v)
				}
			}
		}
		if err := im.Write(buf); err != nil {
			return err
		}
	case 32:
		buf := make([]int32, npix*len(frames))
		for i, fr := range frames {
			for j := 0; j < npix; j++ {
				buf[i*npix+j] = int32(binary.LittleEndian.Uint32(fr.Data[4*j:]))
			}
		}
		if err := im.Write(buf); err != nil {
			return err
		}
	}
	return fits.Write(im)
}

// ToImage converts a frame to a grayscale image for PNG or JPEG encoding.
// 32-bit data keeps only the high 16 bits.
func ToImage(f dataarray.Frame) (image.Image, error) {
	r := image.Rect(0, 0, f.Width, f.Height)
	switch f.DType {
	case dataarray.U8, dataarray.I8:
		img := image.NewGray(r)
		copy(img.Pix, f.Data)
		return img, nil
	case dataarray.U16, dataarray.I16:
		img := image.NewGray16(r)
		// Gray16 is big-endian, the wire is little-endian
		for i := 0; i+1 < len(f.Data); i += 2 {
			img.Pix[i] = f.Data[i+1]
			img.Pix[i+1] = f.Data[i]
		}
		return img, nil
	case dataarray.U32, dataarray.I32:
		img := image.NewGray16(r)
		for j := 0; j < f.Width*f.Height; j++ {
			v := binary.LittleEndian.Uint32(f.Data[4*j:])
			img.Pix[2*j] = byte(v >> 24)
			img.Pix[2*j+1] = byte(v >> 16)
		}
		return img, nil
	}
	return nil, fmt.Errorf("no image conversion for pixel type %s", f.DType)
}
