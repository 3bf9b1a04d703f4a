package input

// Injector delivers viewer input events to the surface owner.
type Injector interface {
	Inject(event *Event) error
}

// InjectorFunc adapts a function to Injector.
type InjectorFunc func(event *Event) error

func (f InjectorFunc) Inject(event *Event) error { return f(event) }
