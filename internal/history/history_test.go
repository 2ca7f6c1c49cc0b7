package history

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/NodePath81/pltester/internal/latency"
	"github.com/NodePath81/pltester/internal/ledger"
	"github.com/NodePath81/pltester/internal/session"
	"github.com/NodePath81/pltester/internal/testenv"
	"github.com/NodePath81/pltester/internal/throughput"
)

var makeAR = testenv.MakeAR

func openStore(t *testing.T, retain int) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"), retain, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func probeResult(sent uint64, lost int) session.Result {
	start := time.UnixMilli(1_700_000_000_000)
	return session.Result{
		Stats: session.Stats{
			Mode:        ledger.FullHistory,
			Rate:        10,
			Sent:        sent,
			Received:    sent - uint64(lost),
			Lost:        lost,
			LossPercent: float64(lost) / float64(sent) * 100,
			Latency:     latency.Snapshot{Count: sent - uint64(lost), Avg: 12.5, Min: 10, Max: 20, Jitter: 1.5, P90: 18},
		},
		StartedAt:  start,
		FinishedAt: start.Add(10 * time.Second),
	}
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("", 0, nil)
	if !errors.Is(err, ErrNoPath) {
		t.Fatalf("Open(\"\") error = %v", err)
	}
}

func TestSaveAndReadProbe(t *testing.T) {
	assert, require := makeAR(t)
	s := openStore(t, 0)
	ctx := context.Background()

	id, err := s.SaveProbe(ctx, "ws://node/ws", probeResult(100, 4))
	require.NoError(err)
	assert.Positive(id)

	failed := probeResult(10, 0)
	failed.Latency = latency.Snapshot{}
	failed.Err = errors.New("transport unavailable")
	_, err = s.SaveProbe(ctx, "ws://node/ws", failed)
	require.NoError(err)

	recs, err := s.Recent(ctx, KindProbe, 10)
	require.NoError(err)
	require.Len(recs, 2)

	assert.Equal("transport unavailable", recs[0].Error)
	assert.False(recs[0].Completed)
	assert.True(math.IsNaN(recs[0].LatencyAvg))

	got := recs[1]
	assert.Equal(id, got.ID)
	assert.Equal(KindProbe, got.Kind)
	assert.Equal("full_history", got.Mode)
	assert.EqualValues(100, got.Sent)
	assert.EqualValues(96, got.Received)
	assert.Equal(4, got.Lost)
	assert.InDelta(4.0, got.LossPercent, 1e-9)
	assert.InDelta(12.5, got.LatencyAvg, 1e-9)
	assert.InDelta(18.0, got.P90, 1e-9)
	assert.True(got.Completed)
	assert.Equal(int64(1_700_000_000_000), got.StartedAt.UnixMilli())
	assert.True(math.IsNaN(got.DownloadMbps))
}

func TestSaveSpeedtest(t *testing.T) {
	assert, require := makeAR(t)
	s := openStore(t, 0)
	ctx := context.Background()

	report := throughput.Report{
		LatencyMs: 8,
		Cases: []throughput.CaseResult{
			{Download: &throughput.Result{Mbps: 50}, Upload: &throughput.Result{Mbps: 20}},
			{Download: &throughput.Result{Mbps: 95.5}, Upload: &throughput.Result{Mbps: math.NaN()}},
		},
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
		Completed:  true,
	}
	_, err := s.SaveSpeedtest(ctx, "http://node/speedtest", report, nil)
	require.NoError(err)
	_, err = s.SaveProbe(ctx, "ws://node/ws", probeResult(10, 0))
	require.NoError(err)

	recs, err := s.Recent(ctx, KindSpeedtest, 10)
	require.NoError(err)
	require.Len(recs, 1)
	assert.InDelta(95.5, recs[0].DownloadMbps, 1e-9)
	assert.True(math.IsNaN(recs[0].UploadMbps))
	assert.InDelta(8.0, recs[0].LatencyAvg, 1e-9)
	assert.True(recs[0].Completed)

	all, err := s.Recent(ctx, "", 10)
	require.NoError(err)
	assert.Len(all, 2)
	assert.Equal(KindProbe, all[0].Kind)
}

func TestRetention(t *testing.T) {
	assert, require := makeAR(t)
	s := openStore(t, 3)
	ctx := context.Background()
	var last int64
	for i := 0; i < 5; i++ {
		id, err := s.SaveProbe(ctx, "node", probeResult(10, i))
		require.NoError(err)
		last = id
	}
	recs, err := s.Recent(ctx, "", 10)
	require.NoError(err)
	require.Len(recs, 3)
	assert.Equal(last, recs[0].ID)
	assert.Equal(2, recs[2].Lost)
}
