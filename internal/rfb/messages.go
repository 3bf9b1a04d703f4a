package rfb

import (
	"encoding/binary"
	"errors"
	"image"
)

// ProtocolVersion is the version the server offers.
const ProtocolVersion = "RFB 003.003\n"

var (
	// ErrUnsupportedVersion is returned when the viewer's version string is
	// not an RFB 3.x version.
	ErrUnsupportedVersion = errors.New("rfb: unsupported protocol version")
	// ErrUnknownMessage is returned for a client message type the handler
	// does not implement.
	ErrUnknownMessage = errors.New("rfb: unknown client message")
)

const securityNone uint32 = 1

// Client to server message types.
const (
	msgSetPixelFormat           = 0
	msgFixColourMapEntries      = 1
	msgSetEncodings             = 2
	msgFramebufferUpdateRequest = 3
	msgKeyEvent                 = 4
	msgPointerEvent             = 5
	msgClientCutText            = 6
)

const msgFramebufferUpdate = 0

// Encodings.
const (
	EncodingRaw         int32 = 0
	EncodingDesktopSize int32 = -223
	EncodingCursor      int32 = -239
)

// maxCutText bounds ClientCutText payloads.
const maxCutText = 1 << 20

// rectHeader appends a FramebufferUpdate rectangle header.
func rectHeader(b []byte, r image.Rectangle, encoding int32) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(r.Min.X))
	b = binary.BigEndian.AppendUint16(b, uint16(r.Min.Y))
	b = binary.BigEndian.AppendUint16(b, uint16(r.Dx()))
	b = binary.BigEndian.AppendUint16(b, uint16(r.Dy()))
	return binary.BigEndian.AppendUint32(b, uint32(encoding))
}

// updateHeader appends a FramebufferUpdate message header.
func updateHeader(b []byte, rects int) []byte {
	b = append(b, msgFramebufferUpdate, 0)
	return binary.BigEndian.AppendUint16(b, uint16(rects))
}

// cursorMask builds the Cursor pseudo-encoding bitmask: one bit per pixel,
// most significant bit first, rows padded to whole bytes.
func cursorMask(img *image.RGBA) []byte {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	rowBytes := (w + 7) / 8
	mask := make([]byte, rowBytes*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if img.Pix[img.PixOffset(img.Bounds().Min.X+x, img.Bounds().Min.Y+y)+3] != 0 {
				mask[y*rowBytes+x/8] |= 0x80 >> (x % 8)
			}
		}
	}
	return mask
}
