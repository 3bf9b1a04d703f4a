package encoder

import "image"

// Encoder converts RGBA pixels into the bytes a viewer expects.
type Encoder interface {
	// Encode appends the pixels of rect in img to dst and returns it.
	Encode(dst []byte, img *image.RGBA, rect image.Rectangle) []byte
	// BytesPerPixel is the encoded size of one pixel.
	BytesPerPixel() int
}
