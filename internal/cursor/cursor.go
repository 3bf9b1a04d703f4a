// Package cursor builds the static cursor images sent to viewers.
//
// Cursors are immutable once created and may be shared between goroutines
// without synchronization. Animated cursors are not supported: a shape is
// rasterized once and reused for the lifetime of the server.
package cursor

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/nfnt/resize"
)

// Shape is an abstract cursor shape.
type Shape string

const (
	Arrow        Shape = "arrow"
	Cross        Shape = "cross"
	IBeam        Shape = "ibeam"
	PointingHand Shape = "hand"
	Blank        Shape = "blank"
)

// Cursor is an image plus the hotspot offset inside it. Image is shared
// and must be treated as read-only; use Clone to get a private copy.
type Cursor struct {
	Image   *image.RGBA
	Hotspot image.Point
}

// Empty reports whether the cursor has no pixels.
func (c Cursor) Empty() bool {
	return c.Image == nil || c.Image.Bounds().Empty()
}

// Clone returns a cursor whose image shares no memory with c.
func (c Cursor) Clone() Cursor {
	if c.Image == nil {
		return c
	}
	img := &image.RGBA{
		Pix:    make([]byte, len(c.Image.Pix)),
		Stride: c.Image.Stride,
		Rect:   c.Image.Rect,
	}
	copy(img.Pix, c.Image.Pix)
	return Cursor{Image: img, Hotspot: c.Hotspot}
}

// Provider rasterizes shapes at a fixed scale.
type Provider struct {
	// Scale enlarges the built-in bitmaps for high-density surfaces.
	// Values below 1 are treated as 1.
	Scale float64
}

// Create returns the cursor for shape.
func (p Provider) Create(shape Shape) (Cursor, error) {
	art, ok := bitmaps[shape]
	if !ok {
		return Cursor{}, fmt.Errorf("unknown cursor shape %q", shape)
	}
	c := rasterize(art)
	if p.Scale > 1 && !c.Empty() {
		c = scale(c, p.Scale)
	}
	return c, nil
}

// ParseShape validates a shape name.
func ParseShape(name string) (Shape, error) {
	shape := Shape(strings.ToLower(name))
	if _, ok := bitmaps[shape]; !ok {
		return "", fmt.Errorf("unknown cursor shape %q", name)
	}
	return shape, nil
}

type bitmap struct {
	rows    []string
	hotspot image.Point
}

// 'X' is black, '.' is white, anything else is transparent.
var bitmaps = map[Shape]bitmap{
	Arrow: {hotspot: image.Pt(0, 0), rows: []string{
		"X           ",
		"XX          ",
		"X.X         ",
		"X..X        ",
		"X...X       ",
		"X....X      ",
		"X.....X     ",
		"X......X    ",
		"X.......X   ",
		"X........X  ",
		"X.........X ",
		"X......XXXXX",
		"X...X..X    ",
		"X..XX..X    ",
		"X.X  X..X   ",
		"XX   X..X   ",
		"X     X..X  ",
		"      X..X  ",
		"       XX   ",
	}},
	Cross: {hotspot: image.Pt(5, 5), rows: []string{
		"    .X.    ",
		"    .X.    ",
		"    .X.    ",
		"    .X.    ",
		".....X.....",
		"XXXXXXXXXXX",
		".....X.....",
		"    .X.    ",
		"    .X.    ",
		"    .X.    ",
		"    .X.    ",
	}},
	IBeam: {hotspot: image.Pt(3, 8), rows: []string{
		"XXX XXX",
		"   X   ",
		"   X   ",
		"   X   ",
		"   X   ",
		"   X   ",
		"   X   ",
		"   X   ",
		"   X   ",
		"   X   ",
		"   X   ",
		"   X   ",
		"   X   ",
		"   X   ",
		"   X   ",
		"XXX XXX",
	}},
	PointingHand: {hotspot: image.Pt(5, 0), rows: []string{
		"    XX      ",
		"   X..X     ",
		"   X..X     ",
		"   X..X     ",
		"   X..XXX   ",
		"   X..X..XX ",
		"XX X..X..X.X",
		"X.XX.......X",
		"X..X.......X",
		" X.........X",
		"  X........X",
		"  X.......X ",
		"   X......X ",
		"   X.....X  ",
		"    XXXXXX  ",
	}},
	Blank: {hotspot: image.Pt(0, 0), rows: []string{" "}},
}

func rasterize(b bitmap) Cursor {
	width := 0
	for _, row := range b.rows {
		width = max(width, len(row))
	}
	img := image.NewRGBA(image.Rect(0, 0, width, len(b.rows)))
	for y, row := range b.rows {
		for x, ch := range row {
			switch ch {
			case 'X':
				img.SetRGBA(x, y, color.RGBA{A: 0xff})
			case '.':
				img.SetRGBA(x, y, color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff})
			}
		}
	}
	return Cursor{Image: img, Hotspot: b.hotspot}
}

func scale(c Cursor, factor float64) Cursor {
	size := c.Image.Bounds().Size()
	width := uint(float64(size.X)*factor + 0.5)
	height := uint(float64(size.Y)*factor + 0.5)
	scaled := resize.Resize(width, height, c.Image, resize.NearestNeighbor)

	img, ok := scaled.(*image.RGBA)
	if !ok {
		img = image.NewRGBA(scaled.Bounds())
		for y := scaled.Bounds().Min.Y; y < scaled.Bounds().Max.Y; y++ {
			for x := scaled.Bounds().Min.X; x < scaled.Bounds().Max.X; x++ {
				img.Set(x, y, scaled.At(x, y))
			}
		}
	}
	return Cursor{
		Image: img,
		Hotspot: image.Point{
			X: int(float64(c.Hotspot.X) * factor),
			Y: int(float64(c.Hotspot.Y) * factor),
		},
	}
}
