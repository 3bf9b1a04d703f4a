// Package display provides a producer backed by an Ebitengine window: the
// window's own render loop is the frame source and every Draw is a
// render-complete event.
package display

import (
	"image"

	"github.com/junsooki/AirVNC/internal/input"
)

// pointerState is the last viewer pointer position in logical pixels.
type pointerState struct {
	pos     image.Point
	buttons uint8
	visible bool
}

// pointerFromEvent converts a framebuffer-space pointer event to logical
// coordinates.
func pointerFromEvent(ev *input.Event, scale float64) pointerState {
	if scale <= 0 {
		scale = 1
	}
	return pointerState{
		pos:     image.Pt(int(ev.X/scale), int(ev.Y/scale)),
		buttons: ev.Buttons,
		visible: true,
	}
}
