package pacing

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NodePath81/pltester/internal/testenv"
)

var makeAR = testenv.MakeAR

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newManualPacer(t *testing.T, rate float64, onTick TickFunc) (*Pacer, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	p, err := New(rate, onTick, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.next = clock.Now().Add(p.period)
	return p, clock
}

func TestInvalidRate(t *testing.T) {
	assert, _ := makeAR(t)
	for _, rate := range []float64{0, -5} {
		_, err := New(rate, func() error { return nil })
		assert.ErrorIs(err, ErrInvalidRate)
	}
}

func TestLateFiringCatchesUp(t *testing.T) {
	assert, require := makeAR(t)
	ticks := 0
	p, clock := newManualPacer(t, 10, func() error {
		ticks++
		return nil
	})

	// Three slots (100, 200, 300 ms) are due when the timer fires at 300 ms.
	clock.Advance(300 * time.Millisecond)
	wait, err := p.fire(clock.Now())
	require.NoError(err)
	assert.Equal(3, ticks)
	assert.Equal(100*time.Millisecond, wait)
	assert.Equal(clock.Now().Add(100*time.Millisecond), p.next)
}

func TestEarlyFiringEmitsNothing(t *testing.T) {
	assert, _ := makeAR(t)
	ticks := 0
	p, clock := newManualPacer(t, 10, func() error {
		ticks++
		return nil
	})
	clock.Advance(40 * time.Millisecond)
	wait, err := p.fire(clock.Now())
	assert.NoError(err)
	assert.Zero(ticks)
	assert.Equal(60*time.Millisecond, wait)
}

func TestNoDriftAcrossJitteredTimers(t *testing.T) {
	assert, _ := makeAR(t)
	ticks := 0
	p, clock := newManualPacer(t, 100, func() error {
		ticks++
		return nil
	})
	start := clock.Now()
	// Every firing arrives 3 ms late relative to the requested wait.
	wait := p.period
	for i := 0; i < 1000; i++ {
		clock.Advance(wait + 3*time.Millisecond)
		var err error
		wait, err = p.fire(clock.Now())
		assert.NoError(err)
	}
	elapsed := clock.Now().Sub(start)
	expected := int(elapsed / p.period)
	assert.Equal(expected, ticks)
}

func TestResyncDropsBacklog(t *testing.T) {
	assert, _ := makeAR(t)
	ticks := 0
	p, clock := newManualPacer(t, 10, func() error {
		ticks++
		return nil
	})
	clock.Advance(5 * time.Second)
	wait, err := p.fire(clock.Now())
	assert.NoError(err)
	assert.Zero(ticks)
	assert.EqualValues(1, p.Resyncs())
	assert.Equal(p.period, wait)
	assert.Equal(clock.Now().Add(p.period), p.next)
}

func TestTickErrorStopsFiring(t *testing.T) {
	assert, _ := makeAR(t)
	ticks := 0
	p, clock := newManualPacer(t, 10, func() error {
		ticks++
		if ticks == 2 {
			return ErrTransportUnavailable
		}
		return nil
	})
	clock.Advance(500 * time.Millisecond)
	_, err := p.fire(clock.Now())
	assert.ErrorIs(err, ErrTransportUnavailable)
	assert.Equal(2, ticks)
}

func TestStoppedPacerNeverTicks(t *testing.T) {
	assert, _ := makeAR(t)
	ticks := 0
	p, clock := newManualPacer(t, 10, func() error {
		ticks++
		return nil
	})
	p.Stop()
	clock.Advance(time.Second)
	_, err := p.fire(clock.Now())
	assert.True(errors.Is(err, errStopped))
	assert.Zero(ticks)
}

func TestRunSelfStopsOnTransportFailure(t *testing.T) {
	assert, require := makeAR(t)
	var ticks atomic.Int32
	doneErr := make(chan error, 1)
	p, err := New(200, func() error {
		if ticks.Add(1) >= 3 {
			return ErrTransportUnavailable
		}
		return nil
	}, OnDone(func(err error) { doneErr <- err }))
	require.NoError(err)

	p.Start()
	select {
	case err := <-doneErr:
		assert.ErrorIs(err, ErrTransportUnavailable)
	case <-time.After(5 * time.Second):
		t.Fatal("pacer did not stop itself")
	}
	<-p.Done()
	assert.EqualValues(3, ticks.Load())
}

func TestRunStopHaltsTicks(t *testing.T) {
	assert, require := makeAR(t)
	var ticks atomic.Int32
	p, err := New(500, func() error {
		ticks.Add(1)
		return nil
	})
	require.NoError(err)

	p.Start()
	time.Sleep(30 * time.Millisecond)
	p.Stop()
	<-p.Done()
	after := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(after, ticks.Load())
}
