package bus

import "time"

// WaitFlag is a coalescing wake-up signal. Any number of Set calls before a
// Wait collapse into a single wake; Wait clears the flag when it returns.
type WaitFlag struct {
	ch chan struct{}
}

// NewWaitFlag returns a cleared flag.
func NewWaitFlag() *WaitFlag {
	return &WaitFlag{ch: make(chan struct{}, 1)}
}

// Set raises the flag. It never blocks.
func (f *WaitFlag) Set() {
	select {
	case f.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the flag is raised or timeout elapses. It reports
// whether it was woken by Set.
func (f *WaitFlag) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.ch:
		return true
	case <-timer.C:
		return false
	}
}

// C exposes the flag for use in a select. Receiving from it clears the flag.
func (f *WaitFlag) C() <-chan struct{} {
	return f.ch
}
