package runtime

type (
	// Iterations counts agent turns. The counter is advanced only by
	// the runtime, exactly once per turn, and strictly increases.
	Iterations struct {
		count int
	}

	// Stop is the one-shot stop request primitive. The first request
	// wins; later requests are ignored.
	Stop struct {
		requested bool
		reason    *string
		success   bool
	}

	// Control bundles the iteration counter and stop flag injected into
	// the script
	Control struct {
		Iterations *Iterations
		Stop       *Stop
	}
)

// NewControl creates the control primitive with default stop state
func NewControl() *Control {
	return &Control{
		Iterations: &Iterations{},
		Stop:       &Stop{success: true},
	}
}

// Current returns the number of completed agent turns
func (i *Iterations) Current() int {
	return i.count
}

// Exceeded reports whether the counter has reached max (inclusive)
func (i *Iterations) Exceeded(max int) bool {
	return i.count >= max
}

func (i *Iterations) advance() {
	i.count++
}

// Request records a stop request. Only the first call takes effect.
func (s *Stop) Request(reason string, success bool) {
	if s.requested {
		return
	}
	s.requested = true
	s.reason = &reason
	s.success = success
}

// Requested reports whether a stop has been requested
func (s *Stop) Requested() bool {
	return s.requested
}

// Reason returns the recorded stop reason, nil before any request
func (s *Stop) Reason() *string {
	return s.reason
}

// Success reports the requested outcome; true by default
func (s *Stop) Success() bool {
	return s.success
}
