package session

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NodePath81/pltester/internal/ledger"
	"github.com/NodePath81/pltester/internal/pacing"
	"github.com/NodePath81/pltester/internal/protocol"
	"github.com/NodePath81/pltester/internal/testenv"
)

var makeAR = testenv.MakeAR

// loopback records sends and echoes them through a goroutine, the way a
// real channel delivers datagrams on its own reader.
type loopback struct {
	mu         sync.Mutex
	sent       []string
	closed     atomic.Bool
	closeAfter int
	// failAt makes the nth Send attempt fail without sending.
	failAt     int
	attempts   int
	drop       func(seq uint64) bool
	out        chan string
}

func newLoopback() *loopback {
	return &loopback{out: make(chan string, 4096)}
}

func (l *loopback) Send(msg string) error {
	l.mu.Lock()
	l.attempts++
	if l.failAt > 0 && l.attempts == l.failAt {
		l.mu.Unlock()
		return errors.New("socket write failed")
	}
	l.sent = append(l.sent, msg)
	n := len(l.sent)
	l.mu.Unlock()
	if l.closeAfter > 0 && n >= l.closeAfter {
		l.closed.Store(true)
	}
	l.out <- msg
	return nil
}

func (l *loopback) Writable() bool {
	return !l.closed.Load()
}

func (l *loopback) pump(ctx context.Context, s *Session) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-l.out:
				seq, _, err := protocol.DecodeProbe(msg)
				if err == nil && l.drop != nil && l.drop(seq) {
					continue
				}
				s.Receive(msg, time.Now())
			}
		}
	}()
}

func waitDone(t *testing.T, s *Session) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := s.Wait(ctx)
	if err != nil {
		t.Fatalf("session did not finish: %v", err)
	}
	return res
}

func TestStandardRunEchoesEverything(t *testing.T) {
	assert, require := makeAR(t)
	tr := newLoopback()
	var completions atomic.Int32
	var statsCalls atomic.Int32
	s, err := New(tr, Options{
		Rate:       100,
		Size:       64,
		Duration:   200 * time.Millisecond,
		RecvWait:   2 * time.Second,
		OnStats:    func(Stats) { statsCalls.Add(1) },
		OnComplete: func(Result) { completions.Add(1) },
	})
	require.NoError(err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.pump(ctx, s)
	require.NoError(s.Start())

	res := waitDone(t, s)
	assert.NoError(res.Err)
	assert.Equal(Finished, res.State)
	assert.EqualValues(20, res.Sent)
	assert.EqualValues(20, res.Received)
	assert.Equal(0, res.Lost)
	assert.Zero(res.LossPercent)
	assert.EqualValues(20, res.Latency.Count)
	assert.GreaterOrEqual(res.Latency.Min, 0.0)
	assert.LessOrEqual(res.Latency.Min, res.Latency.Max)
	assert.Positive(res.Series.Len())
	assert.EqualValues(1, completions.Load())
	assert.Positive(statsCalls.Load())

	tr.mu.Lock()
	assert.Len(tr.sent, 20)
	assert.Len(tr.sent[0], 64, "payload padded to size")
	tr.mu.Unlock()
}

func TestStandardRunFinalizesLoss(t *testing.T) {
	assert, require := makeAR(t)
	tr := newLoopback()
	tr.drop = func(seq uint64) bool { return seq%2 == 0 }
	s, err := New(tr, Options{
		Rate:     100,
		Duration: 200 * time.Millisecond,
		RecvWait: 100 * time.Millisecond,
	})
	require.NoError(err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.pump(ctx, s)
	require.NoError(s.Start())

	res := waitDone(t, s)
	assert.EqualValues(20, res.Sent)
	assert.EqualValues(10, res.Received)
	assert.Equal(10, res.Lost)
	assert.InDelta(50.0, res.LossPercent, 1e-9)
	for i := 0; i < res.Series.Len(); i++ {
		assert.LessOrEqual(res.Series.Min[i], res.Series.Avg[i])
		assert.LessOrEqual(res.Series.Avg[i], res.Series.Max[i])
	}

	s.mu.Lock()
	p, ok := s.ledger.Get(0)
	s.mu.Unlock()
	require.True(ok)
	assert.Equal(ledger.Lost, p.Status)
	assert.Equal(ledger.LostLatency, p.Latency)
}

func TestTransportUnavailableEndsRun(t *testing.T) {
	assert, require := makeAR(t)
	tr := newLoopback()
	tr.closeAfter = 5
	s, err := New(tr, Options{Rate: 200, Stress: true})
	require.NoError(err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.pump(ctx, s)
	require.NoError(s.Start())

	res := waitDone(t, s)
	assert.ErrorIs(res.Err, pacing.ErrTransportUnavailable)
	assert.EqualValues(5, res.Sent)
	assert.Equal(Finished, res.State)
}

func TestFailedSendIsNotCounted(t *testing.T) {
	assert, require := makeAR(t)
	tr := newLoopback()
	tr.failAt = 3
	s, err := New(tr, Options{Rate: 200, Stress: true, RecvWait: 100 * time.Millisecond})
	require.NoError(err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.pump(ctx, s)
	require.NoError(s.Start())

	res := waitDone(t, s)
	assert.ErrorIs(res.Err, pacing.ErrTransportUnavailable)
	assert.EqualValues(2, res.Sent)
	assert.EqualValues(2, int(res.Received)+res.Lost)

	s.mu.Lock()
	_, ok := s.ledger.Get(2)
	s.mu.Unlock()
	assert.False(ok, "the failed packet must not enter the ledger")
	tr.mu.Lock()
	assert.Len(tr.sent, 2)
	tr.mu.Unlock()
}

func TestStressStopFreezesState(t *testing.T) {
	assert, require := makeAR(t)
	tr := newLoopback()
	tr.drop = func(uint64) bool { return true }
	s, err := New(tr, Options{Rate: 200, Stress: true})
	require.NoError(err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.pump(ctx, s)
	require.NoError(s.Start())
	time.Sleep(100 * time.Millisecond)
	s.Stop()
	s.Stop()

	before := s.Stats()
	assert.Equal(Finished, before.State)
	assert.Equal(ledger.SlidingWindow, before.Mode)
	assert.Positive(before.Sent)
	assert.Zero(before.Lost, "sliding window is never finalized")

	s.Receive(protocol.EncodeProbe(0, 0, 0), time.Now())
	time.Sleep(50 * time.Millisecond)
	after := s.Stats()
	assert.Equal(before.Sent, after.Sent, "no send after stop")
	assert.Zero(after.Received)
}

func TestReceiveIgnoresUnknownAndMalformed(t *testing.T) {
	assert, require := makeAR(t)
	s, err := New(newLoopback(), Options{Rate: 1, Stress: true})
	require.NoError(err)
	require.NoError(s.Start())
	defer s.Stop()

	s.Receive("garbage", time.Now())
	s.Receive("99,1.000", time.Now())
	stats := s.Stats()
	assert.Zero(stats.Received)
	assert.Zero(stats.Latency.Count)
	assert.ErrorIs(s.Start(), ErrAlreadyStarted)
}

func TestInvalidOptions(t *testing.T) {
	assert, _ := makeAR(t)
	tr := newLoopback()
	cases := []struct {
		name string
		opts Options
	}{
		{"zero rate", Options{Rate: 0, Duration: time.Second}},
		{"nan rate", Options{Rate: math.NaN(), Duration: time.Second}},
		{"no duration", Options{Rate: 10}},
		{"less than one packet", Options{Rate: 1, Duration: 500 * time.Millisecond}},
		{"negative wait", Options{Rate: 10, Duration: time.Second, RecvWait: -time.Second}},
	}
	for _, tc := range cases {
		_, err := New(tr, tc.opts)
		assert.ErrorIs(err, ErrInvalidOptions, tc.name)
	}
	_, err := New(nil, Options{Rate: 10, Stress: true})
	assert.ErrorIs(err, ErrInvalidOptions)
}
