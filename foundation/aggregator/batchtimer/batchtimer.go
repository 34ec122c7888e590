// Package batchtimer debounces the batch cycle. It fires a callback after a
// bounded delay once transactions are waiting, or straight away when the
// caller reports the batch size threshold was reached.
package batchtimer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// State represents where the timer is in its cycle.
type State int

// Set of timer states.
const (
	Idle      State = iota // Nothing is waiting to be batched.
	Waiting                // A delayed fire is armed.
	Scheduled              // A fire is due and the callback has not started its batch yet.
)

// String implements the fmt.Stringer interface.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Scheduled:
		return "scheduled"
	}
	return "unknown"
}

// Timer manages the delayed and immediate firing of a batch callback. The
// callback always runs on its own goroutine so a caller holding resources
// the callback needs is never blocked by it.
//
// A fired timer stays Scheduled until the callback calls Started, so
// triggers that arrive while the callback waits for those resources fold
// into the pending batch. The timer returns to idle by itself if the
// callback returns without calling Started.
type Timer struct {
	mu      sync.Mutex
	clock   clock.Clock
	delay   time.Duration
	fn      func()
	state   State
	timer   *clock.Timer
	epoch   uint64
	pending uint64
	done    bool
	wg      sync.WaitGroup
}

// New constructs a timer that calls fn.
func New(clk clock.Clock, delay time.Duration, fn func()) *Timer {
	if clk == nil {
		clk = clock.New()
	}

	return &Timer{
		clock: clk,
		delay: delay,
		fn:    fn,
	}
}

// State returns the current state of the timer.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// NotifyTxWaiting arms a delayed fire when the timer is idle. When a fire is
// already armed or scheduled nothing changes.
func (t *Timer) NotifyTxWaiting() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done || t.state != Idle {
		return
	}

	t.state = Waiting
	epoch := t.epoch

	t.wg.Add(1)
	t.timer = t.clock.AfterFunc(t.delay, func() {
		defer t.wg.Done()
		t.run(epoch)
	})
}

// Trigger cancels any armed delay and fires the callback now. A trigger that
// arrives while a previous one has not started yet is folded into it.
func (t *Timer) Trigger() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done || t.state == Scheduled {
		return
	}

	t.stop()
	t.state = Scheduled
	epoch := t.epoch

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(epoch)
	}()
}

// Clear cancels any pending fire and returns the timer to idle.
func (t *Timer) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stop()
	t.state = Idle
	t.pending = 0
}

// Started reports that the fired callback has begun its batch. The timer
// goes back to idle so the outcome of the batch can arm it again. Calls
// made while no fire is pending are ignored.
func (t *Timer) Started() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.release(t.pending)
}

// Shutdown cancels any pending fire and waits for a running callback. The
// timer can not be armed again afterwards.
func (t *Timer) Shutdown() {
	t.mu.Lock()
	t.stop()
	t.state = Idle
	t.pending = 0
	t.done = true
	t.mu.Unlock()

	t.wg.Wait()
}

// /////////////////////////////////////////////////////////////////

// stop cancels the armed timer and invalidates fires already in flight.
// The lock must be held.
func (t *Timer) stop() {
	if t.timer != nil {
		if t.timer.Stop() {
			t.wg.Done()
		}
		t.timer = nil
	}
	t.epoch++
}

// release ends the pending fire identified by fire. The lock must be held.
func (t *Timer) release(fire uint64) {
	if fire == 0 || t.pending != fire {
		return
	}

	t.pending = 0
	if t.state == Scheduled {
		t.state = Idle
	}
}

// run marks the fire pending and invokes the callback, unless the fire was
// cancelled after it was armed.
func (t *Timer) run(epoch uint64) {
	t.mu.Lock()
	if epoch != t.epoch {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.state = Scheduled
	t.epoch++
	fire := t.epoch
	t.pending = fire
	t.mu.Unlock()

	t.fn()

	t.mu.Lock()
	t.release(fire)
	t.mu.Unlock()
}
