// Package clock abstracts wall time so timer-driven controllers
// (undo countdown, incoming-call timeout, call duration) can run
// against a fake clock in tests.
package clock

import "time"

type Clock interface {
	Now() time.Time
	// After fires once after d.
	After(d time.Duration) <-chan time.Time
	// NewTicker fires every d until stopped.
	NewTicker(d time.Duration) Ticker
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real delegates to package time.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (rt *realTicker) C() <-chan time.Time { return rt.t.C }
func (rt *realTicker) Stop()               { rt.t.Stop() }
