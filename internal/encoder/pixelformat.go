package encoder

import (
	"encoding/binary"
	"fmt"
	"image"
)

// PixelFormat is the RFB PIXEL_FORMAT structure.
type PixelFormat struct {
	BitsPerPixel uint8
	Depth        uint8
	BigEndian    bool
	TrueColour   bool
	RedMax       uint16
	GreenMax     uint16
	BlueMax      uint16
	RedShift     uint8
	GreenShift   uint8
	BlueShift    uint8
}

// ServerFormat is the format advertised in ServerInit: 32 bits per pixel,
// depth 24, little-endian, true colour.
var ServerFormat = PixelFormat{
	BitsPerPixel: 32,
	Depth:        24,
	TrueColour:   true,
	RedMax:       255,
	GreenMax:     255,
	BlueMax:      255,
	RedShift:     16,
	GreenShift:   8,
	BlueShift:    0,
}

// PixelFormatSize is the wire size of a PixelFormat.
const PixelFormatSize = 16

// MarshalBinary encodes the 16-byte wire representation.
func (f PixelFormat) MarshalBinary() ([]byte, error) {
	b := make([]byte, PixelFormatSize)
	b[0] = f.BitsPerPixel
	b[1] = f.Depth
	b[2] = boolByte(f.BigEndian)
	b[3] = boolByte(f.TrueColour)
	binary.BigEndian.PutUint16(b[4:], f.RedMax)
	binary.BigEndian.PutUint16(b[6:], f.GreenMax)
	binary.BigEndian.PutUint16(b[8:], f.BlueMax)
	b[10] = f.RedShift
	b[11] = f.GreenShift
	b[12] = f.BlueShift
	// 3 bytes padding
	return b, nil
}

// UnmarshalBinary decodes the 16-byte wire representation.
func (f *PixelFormat) UnmarshalBinary(b []byte) error {
	if len(b) < PixelFormatSize {
		return fmt.Errorf("pixel format: need %d bytes, got %d", PixelFormatSize, len(b))
	}
	f.BitsPerPixel = b[0]
	f.Depth = b[1]
	f.BigEndian = b[2] != 0
	f.TrueColour = b[3] != 0
	f.RedMax = binary.BigEndian.Uint16(b[4:])
	f.GreenMax = binary.BigEndian.Uint16(b[6:])
	f.BlueMax = binary.BigEndian.Uint16(b[8:])
	f.RedShift = b[10]
	f.GreenShift = b[11]
	f.BlueShift = b[12]
	return nil
}

// Validate reports whether the raw encoder can produce this format.
// Colour-map formats are not supported.
func (f PixelFormat) Validate() error {
	switch f.BitsPerPixel {
	case 8, 16, 32:
	default:
		return fmt.Errorf("pixel format: unsupported bits per pixel %d", f.BitsPerPixel)
	}
	if !f.TrueColour {
		return fmt.Errorf("pixel format: colour map formats are not supported")
	}
	return nil
}

// RawEncoder produces Raw-encoded rectangles in a true-colour format.
type RawEncoder struct {
	Format PixelFormat
}

var _ Encoder = (*RawEncoder)(nil)

// NewRawEncoder returns an encoder for format.
func NewRawEncoder(format PixelFormat) (*RawEncoder, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	return &RawEncoder{Format: format}, nil
}

func (e *RawEncoder) BytesPerPixel() int {
	return int(e.Format.BitsPerPixel) / 8
}

func (e *RawEncoder) Encode(dst []byte, img *image.RGBA, rect image.Rectangle) []byte {
	rect = rect.Intersect(img.Bounds())
	bpp := e.BytesPerPixel()
	start := len(dst)
	dst = append(dst, make([]byte, rect.Dx()*rect.Dy()*bpp)...)
	out := dst[start:]

	i := 0
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		row := img.Pix[img.PixOffset(rect.Min.X, y):]
		for x := 0; x < rect.Dx(); x++ {
			p := row[x*4 : x*4+3]
			e.put(out[i:i+bpp], e.Pixel(p[0], p[1], p[2]))
			i += bpp
		}
	}
	return dst
}

// Pixel packs 8-bit colour channels into a pixel value.
func (e *RawEncoder) Pixel(r, g, b uint8) uint32 {
	f := e.Format
	return uint32(scaleChannel(r, f.RedMax))<<f.RedShift |
		uint32(scaleChannel(g, f.GreenMax))<<f.GreenShift |
		uint32(scaleChannel(b, f.BlueMax))<<f.BlueShift
}

func (e *RawEncoder) put(b []byte, v uint32) {
	switch len(b) {
	case 1:
		b[0] = uint8(v)
	case 2:
		if e.Format.BigEndian {
			binary.BigEndian.PutUint16(b, uint16(v))
		} else {
			binary.LittleEndian.PutUint16(b, uint16(v))
		}
	case 4:
		if e.Format.BigEndian {
			binary.BigEndian.PutUint32(b, v)
		} else {
			binary.LittleEndian.PutUint32(b, v)
		}
	}
}

func scaleChannel(v uint8, maxValue uint16) uint16 {
	return uint16((uint32(v)*uint32(maxValue) + 127) / 255)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
