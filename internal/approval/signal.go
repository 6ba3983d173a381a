package approval

import "sync"

// Outcome is the result delivered through a Signal.
type Outcome struct {
	Decision string
	Reason   string
}

// Signal is a set-once value that a single waiter can race against a timer.
type Signal struct {
	once sync.Once
	ch   chan Outcome
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan Outcome, 1)}
}

// Resolve delivers o. Only the first call has an effect; it reports whether
// this call won.
func (s *Signal) Resolve(o Outcome) bool {
	won := false
	s.once.Do(func() {
		s.ch <- o
		won = true
	})
	return won
}

// C returns the channel that receives the outcome.
func (s *Signal) C() <-chan Outcome {
	return s.ch
}
