package input

// EventType identifies the kind of input event.
type EventType string

const (
	EventPointer EventType = "pointer"
	EventKeyDown EventType = "key_down"
	EventKeyUp   EventType = "key_up"
)

// Pointer button mask bits as sent by viewers (button 1 is bit 0).
const (
	ButtonLeft      uint8 = 1 << 0
	ButtonMiddle    uint8 = 1 << 1
	ButtonRight     uint8 = 1 << 2
	ButtonWheelUp   uint8 = 1 << 3
	ButtonWheelDown uint8 = 1 << 4
)

// Event is a viewer input event in framebuffer coordinates.
type Event struct {
	Type    EventType `json:"type"`
	X       float64   `json:"x,omitempty"`
	Y       float64   `json:"y,omitempty"`
	Buttons uint8     `json:"buttons,omitempty"`
	// KeySym is the X11 keysym of the key.
	KeySym uint32 `json:"keysym,omitempty"`
}

// PointerEvent builds a pointer event.
func PointerEvent(x, y uint16, buttons uint8) *Event {
	return &Event{Type: EventPointer, X: float64(x), Y: float64(y), Buttons: buttons}
}

// KeyEvent builds a key press or release event.
func KeyEvent(keysym uint32, down bool) *Event {
	t := EventKeyUp
	if down {
		t = EventKeyDown
	}
	return &Event{Type: t, KeySym: keysym}
}
