package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced Clock for tests.
type Fake struct {
	sync.Mutex
	now     time.Time
	waiters []*waiter
}

type waiter struct {
	at     time.Time
	period time.Duration // zero for one-shot
	ch     chan time.Time
	fake   *Fake
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.Lock()
	defer f.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.Lock()
	defer f.Unlock()
	w := &waiter{at: f.now.Add(d), ch: make(chan time.Time, 1), fake: f}
	f.waiters = append(f.waiters, w)
	return w.ch
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.Lock()
	defer f.Unlock()
	w := &waiter{at: f.now.Add(d), period: d, ch: make(chan time.Time, 64), fake: f}
	f.waiters = append(f.waiters, w)
	return w
}

func (w *waiter) C() <-chan time.Time { return w.ch }

func (w *waiter) Stop() {
	f := w.fake
	f.Lock()
	defer f.Unlock()
	for i, x := range f.waiters {
		if x == w {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return
		}
	}
}

// BlockUntil waits until at least n timers or tickers are registered.
// Tests use it to let a goroutine under test arm its timer before the
// clock is advanced past it.
func (f *Fake) BlockUntil(n int) {
	for {
		f.Lock()
		ready := len(f.waiters) >= n
		f.Unlock()
		if ready {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// Advance moves the clock forward, firing due timers and tickers in
// timestamp order. Ticks are delivered on the waiter channels; callers
// advancing past several periods get several ticks.
func (f *Fake) Advance(d time.Duration) {
	f.Lock()
	end := f.now.Add(d)
	for {
		var next *waiter
		for _, w := range f.waiters {
			if !w.at.After(end) && (next == nil || w.at.Before(next.at)) {
				next = w
			}
		}
		if next == nil {
			break
		}
		f.now = next.at
		select {
		case next.ch <- next.at:
		default: // receiver lagging, drop the tick like time.Ticker does
		}
		if next.period > 0 {
			next.at = next.at.Add(next.period)
		} else {
			for i, x := range f.waiters {
				if x == next {
					f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
					break
				}
			}
		}
	}
	f.now = end
	f.Unlock()
}
