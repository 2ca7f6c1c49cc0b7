// Package session runs one packet test: it paces probes onto a transport,
// correlates the echoes and publishes live statistics.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/NodePath81/pltester/internal/latency"
	"github.com/NodePath81/pltester/internal/ledger"
	"github.com/NodePath81/pltester/internal/pacing"
	"github.com/NodePath81/pltester/internal/protocol"
	"github.com/NodePath81/pltester/internal/series"
	"github.com/NodePath81/pltester/internal/util"
)

var (
	// ErrInvalidOptions is returned by New before anything is started.
	ErrInvalidOptions = errors.New("session: invalid options")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("session: already started")
)

// Transport is the datagram channel probes are sent on.
type Transport interface {
	Send(msg string) error
	// Writable reports whether Send can currently succeed.
	Writable() bool
}

type State int

const (
	Idle State = iota
	Running
	Finished
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	default:
		return "finished"
	}
}

type Options struct {
	Rate float64
	// Size pads probe payloads; it does not change the packet count.
	Size     int
	Duration time.Duration
	Stress   bool
	// RecvWait is how long to wait for echoes after the last send.
	RecvWait      time.Duration
	Window        time.Duration
	FrameInterval time.Duration
	ChartInterval time.Duration

	// OnStats is called at most once per frame while the run is live, and
	// once more when it ends.
	OnStats func(Stats)
	// OnChart receives the downsampled series every ChartInterval.
	OnChart func(series.Series)
	// OnComplete is called once with the final result.
	OnComplete func(Result)
}

// Stats is the exported view of a run.
type Stats struct {
	Mode        ledger.Mode      `json:"mode"`
	State       State            `json:"state"`
	Rate        float64          `json:"rate"`
	Sent        uint64           `json:"sent"`
	Received    uint64           `json:"received"`
	Lost        int              `json:"lost"`
	LossPercent float64          `json:"loss_percent"`
	Latency     latency.Snapshot `json:"latency"`
	Series      series.Series    `json:"series"`
	Elapsed     time.Duration    `json:"elapsed"`
}

// Result is the final state of a run. Err is set when the run ended early
// because the transport became unavailable; the statistics still hold the
// data gathered until then.
type Result struct {
	Stats
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Err        error     `json:"-"`
}

// Option adjusts internals, mostly for tests.
type Option func(*Session)

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithFrameScheduler replaces the timer used to coalesce stats refreshes.
func WithFrameScheduler(schedule latency.Scheduler) Option {
	return func(s *Session) { s.frames = schedule }
}

func WithLogger(logger util.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// Session owns every piece of mutable run state. Sends, receives, chart
// refreshes and Stop all take mu, so they never interleave.
type Session struct {
	opts      Options
	transport Transport
	logger    util.Logger
	now       func() time.Time
	frames    latency.Scheduler

	mu        sync.Mutex
	state     State
	ledger    *ledger.Ledger
	agg       *latency.Aggregator
	coalescer *latency.Coalescer
	pacer     *pacing.Pacer
	nextSeq   uint64
	target    uint64
	base      time.Time
	finished  time.Time
	chart     series.Series
	timeout   *time.Timer
	chartStop chan struct{}
	err       error
	done      chan struct{}
}

// New validates opts and prepares a session. Nothing is sent until Start.
func New(transport Transport, opts Options, options ...Option) (*Session, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidOptions)
	}
	if opts.Rate <= 0 || math.IsNaN(opts.Rate) || math.IsInf(opts.Rate, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, pacing.ErrInvalidRate)
	}
	if !opts.Stress {
		if opts.Duration <= 0 {
			return nil, fmt.Errorf("%w: duration must be > 0", ErrInvalidOptions)
		}
		if uint64(opts.Rate*opts.Duration.Seconds()) == 0 {
			return nil, fmt.Errorf("%w: rate * duration is less than one packet", ErrInvalidOptions)
		}
	}
	if opts.RecvWait < 0 {
		return nil, fmt.Errorf("%w: recv wait must be >= 0", ErrInvalidOptions)
	}
	if opts.Window <= 0 {
		opts.Window = time.Duration(ledger.DefaultWindowMs) * time.Millisecond
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = latency.DefaultFrameInterval
	}
	if opts.ChartInterval <= 0 {
		opts.ChartInterval = time.Second
	}

	s := &Session{
		opts:      opts,
		transport: transport,
		now:       time.Now,
		done:      make(chan struct{}),
		chartStop: make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.logger == nil {
		s.logger = util.DiscardLogger()
	}
	if s.frames == nil {
		s.frames = latency.FrameScheduler(opts.FrameInterval)
	}

	mode := ledger.FullHistory
	if opts.Stress {
		mode = ledger.SlidingWindow
	}
	s.ledger = ledger.New(mode, s.logger)
	s.ledger.SetWindow(float64(opts.Window) / float64(time.Millisecond))
	s.agg = latency.NewAggregator(latency.DefaultCapacity)
	s.coalescer = latency.NewCoalescer(s.frames, s.publishStats)
	if !opts.Stress {
		s.target = uint64(opts.Rate * opts.Duration.Seconds())
	}

	pacer, err := pacing.New(opts.Rate, s.tick, pacing.WithClock(s.now), pacing.OnDone(s.pacerDone))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	s.pacer = pacer
	return s, nil
}

// Start begins pacing. Standard runs end on their own after Duration plus
// RecvWait; stress runs continue until Stop.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = Running
	s.base = s.now()
	if !s.opts.Stress {
		s.timeout = time.AfterFunc(s.opts.Duration+s.opts.RecvWait, func() { s.finish(nil) })
	}
	s.mu.Unlock()

	s.logger.Info("probe run started", "mode", s.ledger.Mode().String(), "rate", s.opts.Rate,
		"duration", s.opts.Duration, "packets", s.target)
	s.pacer.Start()
	go s.chartLoop()
	return nil
}

// Stop ends the run, finalizing loss in standard mode. It is safe to call
// more than once and after the run completed by itself.
func (s *Session) Stop() {
	s.finish(nil)
}

// Done is closed once the run has finished and OnComplete has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the run finishes or ctx is done.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		return s.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Receive handles one echoed datagram that arrived at at. Malformed, unknown
// and duplicate echoes are dropped.
func (s *Session) Receive(data string, at time.Time) {
	seq, _, err := protocol.DecodeProbe(data)
	if err != nil {
		s.logger.Debug("dropping malformed echo", "error", err)
		return
	}
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return
	}
	latencyMs, ok := s.ledger.RecordReceived(seq, s.msAt(at))
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("ignoring echo for unknown packet", "seq", seq)
		return
	}
	s.agg.Accept(latencyMs)
	s.coalescer.Request()
	complete := !s.opts.Stress && s.nextSeq >= s.target && s.ledger.Counts().Received >= s.target
	s.mu.Unlock()

	if complete {
		s.finish(nil)
	}
}

// Stats returns the current statistics with the most recent chart series.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

// Series downsamples the current packet history.
func (s *Session) Series() series.Series {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seriesLocked()
}

// Result returns the final result, or the live view while running.
func (s *Session) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Result{
		Stats:      s.statsLocked(),
		StartedAt:  s.base,
		FinishedAt: s.finished,
		Err:        s.err,
	}
}

func (s *Session) tick() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Running {
		return pacing.ErrStop
	}
	if !s.opts.Stress && s.nextSeq >= s.target {
		return pacing.ErrStop
	}
	if !s.transport.Writable() {
		return pacing.ErrTransportUnavailable
	}
	seq := s.nextSeq
	sentAt := s.msAt(s.now())
	// Only a packet that left counts as sent. The echo handler takes s.mu,
	// so it cannot see the reply before RecordSent.
	if err := s.transport.Send(protocol.EncodeProbe(seq, sentAt, s.opts.Size)); err != nil {
		return fmt.Errorf("%w: %v", pacing.ErrTransportUnavailable, err)
	}
	s.ledger.RecordSent(seq, sentAt)
	s.nextSeq++
	s.coalescer.Request()
	if !s.opts.Stress && s.nextSeq >= s.target {
		return pacing.ErrStop
	}
	return nil
}

// pacerDone runs on the pacer goroutine after the pacer stopped itself.
// A clean stop means every packet was sent; the run then waits for echoes.
func (s *Session) pacerDone(err error) {
	if err == nil {
		s.logger.Debug("all probes sent", "packets", s.target)
		return
	}
	s.logger.Warn("transport unavailable, ending run", "error", err)
	s.finish(err)
}

func (s *Session) finish(reason error) {
	s.mu.Lock()
	if s.state != Running {
		if s.state == Idle {
			s.state = Finished
			close(s.chartStop)
			close(s.done)
		}
		s.mu.Unlock()
		return
	}
	s.state = Finished
	s.err = reason
	s.finished = s.now()
	if s.timeout != nil {
		s.timeout.Stop()
	}
	close(s.chartStop)
	s.coalescer.Stop()
	lost := s.ledger.Finalize()
	s.chart = s.seriesLocked()
	result := Result{
		Stats:      s.statsLocked(),
		StartedAt:  s.base,
		FinishedAt: s.finished,
		Err:        reason,
	}
	s.mu.Unlock()

	s.pacer.Stop()
	s.logger.Info("probe run finished", "sent", result.Sent, "received", result.Received,
		"lost", lost, "loss_percent", result.LossPercent, "elapsed", result.Elapsed)

	if s.opts.OnStats != nil {
		s.opts.OnStats(result.Stats)
	}
	if s.opts.OnChart != nil {
		s.opts.OnChart(result.Series)
	}
	if s.opts.OnComplete != nil {
		s.opts.OnComplete(result)
	}
	close(s.done)
}

func (s *Session) chartLoop() {
	ticker := time.NewTicker(s.opts.ChartInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.chartStop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.state != Running {
				s.mu.Unlock()
				return
			}
			s.chart = s.seriesLocked()
			chart := s.chart
			s.mu.Unlock()
			if s.opts.OnChart != nil {
				s.opts.OnChart(chart)
			}
		}
	}
}

func (s *Session) publishStats() {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return
	}
	stats := s.statsLocked()
	s.mu.Unlock()
	if s.opts.OnStats != nil {
		s.opts.OnStats(stats)
	}
}

func (s *Session) statsLocked() Stats {
	counts := s.ledger.Counts()
	stats := Stats{
		Mode:        s.ledger.Mode(),
		State:       s.state,
		Rate:        s.opts.Rate,
		Sent:        counts.Sent,
		Received:    counts.Received,
		Lost:        counts.Lost,
		LossPercent: s.ledger.LossPercent(),
		Latency:     s.agg.Snapshot(),
		Series:      s.chart,
	}
	switch {
	case s.state == Running:
		stats.Elapsed = s.now().Sub(s.base)
	case !s.finished.IsZero():
		stats.Elapsed = s.finished.Sub(s.base)
	}
	return stats
}

func (s *Session) seriesLocked() series.Series {
	if s.opts.Stress {
		return series.Window(s.ledger, s.opts.Rate)
	}
	return series.FullHistory(s.ledger, s.nextSeq)
}

func (s *Session) msAt(t time.Time) float64 {
	return float64(t.Sub(s.base)) / float64(time.Millisecond)
}
