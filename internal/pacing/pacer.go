// Package pacing emits send ticks at a target rate without cumulative drift.
package pacing

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MaxLagPeriods is how far the schedule may fall behind before it is
// resynchronized to the current time.
const MaxLagPeriods = 10

var (
	// ErrInvalidRate is returned for a non-positive or non-finite rate.
	ErrInvalidRate = errors.New("pacing: rate must be > 0")
	// ErrStop may be returned by a TickFunc to end pacing normally.
	ErrStop = errors.New("pacing: stop")
	// ErrTransportUnavailable may be returned by a TickFunc when the
	// transport can no longer accept sends. The pacer stops itself and
	// reports it through the done callback.
	ErrTransportUnavailable = errors.New("pacing: transport unavailable")

	errStopped = errors.New("pacing: stopped")
)

// TickFunc is invoked once per due send slot.
type TickFunc func() error

// Option configures a Pacer.
type Option func(*Pacer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pacer) { p.now = now }
}

// OnDone registers a callback invoked from the pacer goroutine when the
// pacer stops itself. err is nil for ErrStop.
func OnDone(fn func(err error)) Option {
	return func(p *Pacer) { p.onDone = fn }
}

// Pacer keeps an absolute next-send time and advances it by one period per
// tick, so timer latency never accumulates into rate error. When a timer
// fires late every overdue slot is emitted in the same firing.
type Pacer struct {
	period time.Duration
	onTick TickFunc
	onDone func(error)
	now    func() time.Time

	// tickMu serializes ticks with Stop: once Stop returns no tick runs.
	tickMu  sync.Mutex
	next    time.Time
	stopped bool

	ticks   atomic.Uint64
	resyncs atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a pacer for rate ticks per second.
func New(rate float64, onTick TickFunc, opts ...Option) (*Pacer, error) {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return nil, ErrInvalidRate
	}
	period := time.Duration(float64(time.Second) / rate)
	if period <= 0 {
		return nil, ErrInvalidRate
	}
	p := &Pacer{
		period: period,
		onTick: onTick,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Period is the interval between ticks.
func (p *Pacer) Period() time.Duration {
	return p.period
}

// Start schedules the first tick one period from now.
func (p *Pacer) Start() {
	p.startOnce.Do(func() {
		p.tickMu.Lock()
		p.next = p.now().Add(p.period)
		p.tickMu.Unlock()
		go p.run()
	})
}

// Stop cancels pacing. No tick begins after Stop returns. Stop must not be
// called from a TickFunc; return ErrStop instead.
func (p *Pacer) Stop() {
	p.tickMu.Lock()
	p.stopped = true
	p.tickMu.Unlock()
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}

// Done is closed when the pacer goroutine exits.
func (p *Pacer) Done() <-chan struct{} {
	return p.doneCh
}

// Ticks is the number of ticks emitted so far.
func (p *Pacer) Ticks() uint64 {
	return p.ticks.Load()
}

// Resyncs counts how often the backlog was dropped.
func (p *Pacer) Resyncs() uint64 {
	return p.resyncs.Load()
}

func (p *Pacer) run() {
	defer close(p.doneCh)
	timer := time.NewTimer(p.period)
	defer timer.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-timer.C:
			wait, err := p.fire(p.now())
			if err != nil {
				if errors.Is(err, errStopped) {
					return
				}
				p.Stop()
				if p.onDone != nil {
					if errors.Is(err, ErrStop) {
						err = nil
					}
					p.onDone(err)
				}
				return
			}
			timer.Reset(wait)
		}
	}
}

// fire emits every tick due at now and returns the delay until the next one.
func (p *Pacer) fire(now time.Time) (time.Duration, error) {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()
	if p.stopped {
		return 0, errStopped
	}
	if now.Sub(p.next) > MaxLagPeriods*p.period {
		p.next = now.Add(p.period)
		p.resyncs.Add(1)
		return p.period, nil
	}
	for !p.next.After(now) {
		p.next = p.next.Add(p.period)
		p.ticks.Add(1)
		if err := p.onTick(); err != nil {
			return 0, err
		}
	}
	return p.next.Sub(now), nil
}
