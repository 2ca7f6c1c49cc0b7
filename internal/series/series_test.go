package series

import (
	"testing"

	"github.com/NodePath81/pltester/internal/ledger"
	"github.com/NodePath81/pltester/internal/testenv"
)

var makeAR = testenv.MakeAR

func TestSampleSize(t *testing.T) {
	cases := []struct {
		n    int
		want int
	}{
		{0, 1},
		{1, 1},
		{120, 1},
		{121, 2},
		{1000, 9},
		{12000, 100},
	}
	for _, tc := range cases {
		if got := SampleSize(tc.n); got != tc.want {
			t.Fatalf("SampleSize(%d) = %d, want %d", tc.n, got, tc.want)
		}
	}
}

func TestFullHistoryBuckets(t *testing.T) {
	assert, _ := makeAR(t)
	l := ledger.New(ledger.FullHistory, nil)
	const total = 1000
	for seq := uint64(0); seq < total; seq++ {
		l.RecordSent(seq, float64(seq)*10)
		if seq%3 != 0 {
			l.RecordReceived(seq, float64(seq)*10+float64(seq%50))
		}
	}
	l.Finalize()

	s := FullHistory(l, total)
	assert.LessOrEqual(s.Len(), MaxBuckets)
	assert.Len(s.Avg, s.Len())
	assert.Len(s.Max, s.Len())
	assert.Len(s.Min, s.Len())
	assert.Equal(0.0, s.Labels[0])
	assert.Equal(9.0, s.Labels[1])
	for i := range s.Labels {
		assert.LessOrEqual(s.Min[i], s.Avg[i])
		assert.LessOrEqual(s.Avg[i], s.Max[i])
		assert.GreaterOrEqual(s.Min[i], 0.0, "lost sentinel must not leak into buckets")
	}
}

func TestEmptyBucketsOmitted(t *testing.T) {
	assert, _ := makeAR(t)
	l := ledger.New(ledger.FullHistory, nil)
	for seq := uint64(0); seq < 240; seq++ {
		l.RecordSent(seq, 0)
	}
	// Only the second half of the run got answers.
	for seq := uint64(120); seq < 240; seq++ {
		l.RecordReceived(seq, 5)
	}
	l.Finalize()

	s := FullHistory(l, 240)
	assert.Equal(60, s.Len())
	assert.Equal(120.0, s.Labels[0])
	assert.Equal(5.0, s.Avg[0])
}

func TestWindowLabelsInSeconds(t *testing.T) {
	assert, _ := makeAR(t)
	l := ledger.New(ledger.SlidingWindow, nil)
	for seq := uint64(0); seq < 50; seq++ {
		l.RecordSent(seq, float64(seq)*100)
		l.RecordReceived(seq, float64(seq)*100+20)
	}
	s := Window(l, 10)
	assert.Equal(50, s.Len())
	assert.Equal(0.0, s.Labels[0])
	assert.InDelta(0.1, s.Labels[1], 1e-9)
	assert.InDelta(4.9, s.Labels[49], 1e-9)
	assert.Equal(20.0, s.Max[10])
}

func TestEmptySource(t *testing.T) {
	assert, _ := makeAR(t)
	l := ledger.New(ledger.FullHistory, nil)
	assert.Zero(FullHistory(l, 0).Len())
	assert.Zero(Window(l, 10).Len())
}
