package batchtimer_test

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/adamwoolhether/aggregator/foundation/aggregator/batchtimer"
)

const delay = time.Second

func newTimer(t *testing.T) (*batchtimer.Timer, *clock.Mock, chan struct{}) {
	t.Helper()

	fired := make(chan struct{}, 16)
	clk := clock.NewMock()
	tm := batchtimer.New(clk, delay, func() { fired <- struct{}{} })
	t.Cleanup(tm.Shutdown)

	return tm, clk, fired
}

func requireFired(t *testing.T, fired <-chan struct{}) {
	t.Helper()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not run")
	}
}

func requireState(t *testing.T, tm *batchtimer.Timer, want batchtimer.State) {
	t.Helper()

	require.Eventually(t, func() bool { return tm.State() == want }, 2*time.Second, time.Millisecond, "want state %s", want)
}

func requireQuiet(t *testing.T, fired <-chan struct{}) {
	t.Helper()

	select {
	case <-fired:
		t.Fatal("callback ran unexpectedly")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifyFiresAfterDelay(t *testing.T) {
	tm, clk, fired := newTimer(t)

	require.Equal(t, batchtimer.Idle, tm.State())

	tm.NotifyTxWaiting()
	require.Equal(t, batchtimer.Waiting, tm.State())

	clk.Add(delay - time.Millisecond)
	requireQuiet(t, fired)

	clk.Add(time.Millisecond)
	requireFired(t, fired)
	requireState(t, tm, batchtimer.Idle)
}

func TestNotifyDoesNotPushDeadline(t *testing.T) {
	tm, clk, fired := newTimer(t)

	tm.NotifyTxWaiting()
	clk.Add(delay / 2)
	tm.NotifyTxWaiting()
	clk.Add(delay / 2)
	requireFired(t, fired)

	clk.Add(delay)
	requireQuiet(t, fired)
}

func TestTriggerRunsImmediately(t *testing.T) {
	tm, clk, fired := newTimer(t)

	tm.NotifyTxWaiting()
	tm.Trigger()
	requireFired(t, fired)
	requireState(t, tm, batchtimer.Idle)

	// The armed delay was cancelled by the trigger.
	clk.Add(2 * delay)
	requireQuiet(t, fired)
}

func TestClear(t *testing.T) {
	tm, clk, fired := newTimer(t)

	tm.NotifyTxWaiting()
	tm.Clear()
	require.Equal(t, batchtimer.Idle, tm.State())

	clk.Add(2 * delay)
	requireQuiet(t, fired)
}

func TestRearmAfterFire(t *testing.T) {
	tm, clk, fired := newTimer(t)

	tm.NotifyTxWaiting()
	clk.Add(delay)
	requireFired(t, fired)

	tm.NotifyTxWaiting()
	require.Equal(t, batchtimer.Waiting, tm.State())

	clk.Add(delay)
	requireFired(t, fired)
}

func TestNotifyFromCallback(t *testing.T) {
	fired := make(chan struct{}, 16)
	clk := clock.NewMock()

	var tm *batchtimer.Timer
	tm = batchtimer.New(clk, delay, func() {
		tm.Started()
		tm.NotifyTxWaiting()
		fired <- struct{}{}
	})
	t.Cleanup(tm.Shutdown)

	tm.Trigger()
	requireFired(t, fired)
	require.Equal(t, batchtimer.Waiting, tm.State())

	clk.Add(delay)
	requireFired(t, fired)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "idle", batchtimer.Idle.String())
	require.Equal(t, "waiting", batchtimer.Waiting.String())
	require.Equal(t, "scheduled", batchtimer.Scheduled.String())
	require.Equal(t, "unknown", batchtimer.State(9).String())
}

func TestShutdown(t *testing.T) {
	tm, clk, fired := newTimer(t)

	tm.NotifyTxWaiting()
	tm.Shutdown()

	tm.NotifyTxWaiting()
	tm.Trigger()
	require.Equal(t, batchtimer.Idle, tm.State())

	clk.Add(2 * delay)
	requireQuiet(t, fired)
}

func TestTriggerFoldsIntoPendingFire(t *testing.T) {
	fired := make(chan struct{}, 16)
	started := make(chan struct{})
	release := make(chan struct{})

	var tm *batchtimer.Timer
	tm = batchtimer.New(clock.NewMock(), delay, func() {
		started <- struct{}{}
		<-release
		tm.Started()
		fired <- struct{}{}
	})
	t.Cleanup(tm.Shutdown)

	tm.Trigger()
	<-started

	// The callback has not begun its batch yet, so these join it.
	require.Equal(t, batchtimer.Scheduled, tm.State())
	tm.Trigger()
	tm.NotifyTxWaiting()
	require.Equal(t, batchtimer.Scheduled, tm.State())

	close(release)
	requireFired(t, fired)
	requireState(t, tm, batchtimer.Idle)
	requireQuiet(t, fired)
}

func TestStartedAllowsNextTrigger(t *testing.T) {
	fired := make(chan struct{}, 16)
	next := make(chan struct{}, 16)

	var tm *batchtimer.Timer
	tm = batchtimer.New(clock.NewMock(), delay, func() {
		tm.Started()
		fired <- struct{}{}
		<-next
	})
	t.Cleanup(func() {
		close(next)
		tm.Shutdown()
	})

	tm.Trigger()
	requireFired(t, fired)
	require.Equal(t, batchtimer.Idle, tm.State())

	// A batch already under way does not absorb a new threshold crossing.
	tm.Trigger()
	requireFired(t, fired)
}

func TestIdleWithoutStarted(t *testing.T) {
	tm, clk, fired := newTimer(t)

	tm.Started()
	require.Equal(t, batchtimer.Idle, tm.State(), "started without a pending fire is ignored")

	tm.NotifyTxWaiting()
	clk.Add(delay)
	requireFired(t, fired)
	requireState(t, tm, batchtimer.Idle)

	tm.NotifyTxWaiting()
	require.Equal(t, batchtimer.Waiting, tm.State())
}
