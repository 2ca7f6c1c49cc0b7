// Package throughput runs the staged download/upload speed test against a
// test node.
package throughput

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/NodePath81/pltester/internal/util"
)

const (
	// LatencyAttempts is the number of sequential pings averaged by the
	// latency probe.
	LatencyAttempts = 3

	KiB = 1024
	MiB = 1024 * KiB

	StandardTotalBytes     = 30 * MiB
	PeakDownloadTotalBytes = 100 * MiB
	PeakUploadTotalBytes   = 30 * MiB
)

var (
	// ErrChunkTransfer marks a failed chunk request; the run is aborted.
	ErrChunkTransfer = errors.New("chunk transfer failed")
	// ErrLatencyProbe marks a failed ping during the latency probe.
	ErrLatencyProbe = errors.New("latency probe failed")
	// ErrInvalidCase is returned before any transfer for a malformed case.
	ErrInvalidCase = errors.New("invalid test case")
)

// Transfer describes one direction of a test case.
type Transfer struct {
	PacketBytes int64 `json:"packet_bytes"`
	TotalBytes  int64 `json:"total_bytes"`
}

// Chunks is the number of requests needed to move TotalBytes.
func (t Transfer) Chunks() int64 {
	if t.PacketBytes <= 0 || t.TotalBytes <= 0 {
		return 0
	}
	return (t.TotalBytes + t.PacketBytes - 1) / t.PacketBytes
}

type TestCase struct {
	Key      string   `json:"key"`
	Label    string   `json:"label"`
	Download Transfer `json:"download"`
	Upload   Transfer `json:"upload"`
}

// DefaultCases are the built-in test cases. The last one is the summary case.
func DefaultCases() []TestCase {
	standard := func(key, label string, packet int64) TestCase {
		return TestCase{
			Key:      key,
			Label:    label,
			Download: Transfer{PacketBytes: packet, TotalBytes: StandardTotalBytes},
			Upload:   Transfer{PacketBytes: packet, TotalBytes: StandardTotalBytes},
		}
	}
	return []TestCase{
		standard("100kb", "100 KB", 100*KiB),
		standard("500kb", "500 KB", 500*KiB),
		standard("1mb", "1 MB", 1*MiB),
		standard("10mb", "10 MB", 10*MiB),
		{
			Key:      "peak",
			Label:    "Download 100 MB / Upload 30 MB",
			Download: Transfer{PacketBytes: PeakDownloadTotalBytes, TotalBytes: PeakDownloadTotalBytes},
			Upload:   Transfer{PacketBytes: PeakUploadTotalBytes, TotalBytes: PeakUploadTotalBytes},
		},
	}
}

// ValidateCases rejects cases that cannot be run.
func ValidateCases(cases []TestCase) error {
	if len(cases) == 0 {
		return fmt.Errorf("%w: no test cases", ErrInvalidCase)
	}
	seen := make(map[string]struct{}, len(cases))
	for _, tc := range cases {
		if tc.Key == "" {
			return fmt.Errorf("%w: key must not be empty", ErrInvalidCase)
		}
		if _, ok := seen[tc.Key]; ok {
			return fmt.Errorf("%w: duplicate key %q", ErrInvalidCase, tc.Key)
		}
		seen[tc.Key] = struct{}{}
		if err := validateTransfer(tc.Key, Download, tc.Download); err != nil {
			return err
		}
		if err := validateTransfer(tc.Key, Upload, tc.Upload); err != nil {
			return err
		}
	}
	return nil
}

func validateTransfer(key string, dir Direction, tr Transfer) error {
	if tr.PacketBytes < 1 {
		return fmt.Errorf("%w: %s.%s.packet_bytes must be >= 1", ErrInvalidCase, key, dir)
	}
	if tr.TotalBytes < 1 {
		return fmt.Errorf("%w: %s.%s.total_bytes must be >= 1", ErrInvalidCase, key, dir)
	}
	return nil
}

type Direction string

const (
	Download Direction = "download"
	Upload   Direction = "upload"
)

// Transferer performs the individual requests of a speed test.
type Transferer interface {
	// Ping performs one lightweight round trip.
	Ping(ctx context.Context) error
	// Download fetches n bytes and returns the number of body bytes read.
	Download(ctx context.Context, n int64) (int64, error)
	// Upload sends n bytes and returns the byte count reported by the
	// node, or -1 if the node did not report one.
	Upload(ctx context.Context, n int64) (int64, error)
}

type StageKind string

const (
	StageLatency  StageKind = "latency"
	StageDownload StageKind = "download"
	StageUpload   StageKind = "upload"
)

// Stage identifies one step of a run. Index is zero-based.
type Stage struct {
	Index       int
	Total       int
	Kind        StageKind
	Case        *TestCase
	Description string
}

// Observer receives progress signals. Calls happen on the Run goroutine.
type Observer interface {
	StageStarted(stage Stage)
	StageCompleted(stage Stage, result Result)
	StageFailed(stage Stage, err error)
}

// Result is the outcome of one stage. Mbps is NaN when no time elapsed;
// for the latency stage LatencyMs is set instead.
type Result struct {
	Bytes     int64         `json:"bytes"`
	Chunks    int64         `json:"chunks"`
	Elapsed   time.Duration `json:"elapsed"`
	Mbps      float64       `json:"mbps"`
	LatencyMs float64       `json:"latency_ms,omitempty"`
}

// CaseResult holds the per-direction results of a case; a nil direction
// did not complete.
type CaseResult struct {
	Case     TestCase `json:"case"`
	Download *Result  `json:"download,omitempty"`
	Upload   *Result  `json:"upload,omitempty"`
}

type Report struct {
	LatencyMs  float64      `json:"latency_ms"`
	Cases      []CaseResult `json:"cases"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Completed  bool         `json:"completed"`
}

// Summary returns the result of the last case, the one shown as the
// headline figure.
func (r Report) Summary() (CaseResult, bool) {
	if len(r.Cases) == 0 {
		return CaseResult{}, false
	}
	return r.Cases[len(r.Cases)-1], true
}

// Mbps converts bytes over elapsed into megabits per second.
func Mbps(bytes int64, elapsed time.Duration) float64 {
	sec := elapsed.Seconds()
	if sec <= 0 {
		return math.NaN()
	}
	return float64(bytes) * 8 / sec / 1e6
}

// Option configures a Runner.
type Option func(*Runner)

func WithObserver(obs Observer) Option {
	return func(r *Runner) { r.observer = obs }
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func WithLogger(logger util.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// Runner executes the latency probe, every download and then every upload,
// strictly one request at a time.
type Runner struct {
	transferer Transferer
	observer   Observer
	now        func() time.Time
	logger     util.Logger
}

func NewRunner(transferer Transferer, opts ...Option) *Runner {
	r := &Runner{
		transferer: transferer,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Stages lists the stages Run walks through for cases.
func Stages(cases []TestCase) []Stage {
	total := 1 + 2*len(cases)
	stages := make([]Stage, 0, total)
	stages = append(stages, Stage{Index: 0, Total: total, Kind: StageLatency, Description: "latency probe"})
	for i := range cases {
		tc := &cases[i]
		stages = append(stages, Stage{
			Index:       len(stages),
			Total:       total,
			Kind:        StageDownload,
			Case:        tc,
			Description: describeStage("download", tc.Label, tc.Download.TotalBytes),
		})
	}
	for i := range cases {
		tc := &cases[i]
		stages = append(stages, Stage{
			Index:       len(stages),
			Total:       total,
			Kind:        StageUpload,
			Case:        tc,
			Description: describeStage("upload", tc.Label, tc.Upload.TotalBytes),
		})
	}
	return stages
}

func describeStage(direction, label string, totalBytes int64) string {
	if totalBytes <= 0 {
		return direction + " " + label
	}
	totalMB := float64(totalBytes) / MiB
	rounded := math.Round(totalMB)
	if math.Abs(totalMB-rounded) < 1e-3 {
		return fmt.Sprintf("%s %s (total %.0f MB)", direction, label, rounded)
	}
	return fmt.Sprintf("%s %s (total %.1f MB)", direction, label, totalMB)
}

// Run executes every stage. On failure the returned report keeps the
// results of the stages that completed.
func (r *Runner) Run(ctx context.Context, cases []TestCase) (Report, error) {
	report := Report{StartedAt: r.now()}
	if err := ValidateCases(cases); err != nil {
		report.FinishedAt = report.StartedAt
		return report, err
	}
	cases = append([]TestCase(nil), cases...)
	report.Cases = make([]CaseResult, len(cases))
	for i, tc := range cases {
		report.Cases[i].Case = tc
	}

	for _, stage := range Stages(cases) {
		r.started(stage)
		result, err := r.runStage(ctx, stage)
		if err != nil {
			r.failed(stage, err)
			report.FinishedAt = r.now()
			return report, err
		}
		switch stage.Kind {
		case StageLatency:
			report.LatencyMs = result.LatencyMs
		case StageDownload:
			res := result
			report.Cases[stage.Index-1].Download = &res
		case StageUpload:
			res := result
			report.Cases[stage.Index-1-len(cases)].Upload = &res
		}
		r.completed(stage, result)
	}
	report.FinishedAt = r.now()
	report.Completed = true
	return report, nil
}

func (r *Runner) runStage(ctx context.Context, stage Stage) (Result, error) {
	switch stage.Kind {
	case StageLatency:
		ms, err := r.measureLatency(ctx)
		if err != nil {
			return Result{}, err
		}
		return Result{LatencyMs: ms, Mbps: math.NaN()}, nil
	case StageDownload:
		return r.transfer(ctx, Download, *stage.Case)
	default:
		return r.transfer(ctx, Upload, *stage.Case)
	}
}

func (r *Runner) measureLatency(ctx context.Context) (float64, error) {
	var total time.Duration
	for i := 0; i < LatencyAttempts; i++ {
		start := r.now()
		if err := r.transferer.Ping(ctx); err != nil {
			return 0, fmt.Errorf("%w: attempt %d: %v", ErrLatencyProbe, i+1, err)
		}
		total += r.now().Sub(start)
	}
	return float64(total) / float64(time.Millisecond) / LatencyAttempts, nil
}

func (r *Runner) transfer(ctx context.Context, dir Direction, tc TestCase) (Result, error) {
	tr := tc.Download
	if dir == Upload {
		tr = tc.Upload
	}
	var res Result
	remaining := tr.TotalBytes
	start := r.now()
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		chunk := tr.PacketBytes
		if remaining < chunk {
			chunk = remaining
		}
		var (
			n   int64
			err error
		)
		if dir == Download {
			n, err = r.transferer.Download(ctx, chunk)
		} else {
			n, err = r.transferer.Upload(ctx, chunk)
			if err == nil && n < 0 {
				n = chunk
			}
		}
		if err != nil {
			return res, fmt.Errorf("%w: %s %s chunk %d: %v", ErrChunkTransfer, tc.Key, dir, res.Chunks+1, err)
		}
		res.Bytes += n
		res.Chunks++
		remaining -= chunk
	}
	res.Elapsed = r.now().Sub(start)
	res.Mbps = Mbps(res.Bytes, res.Elapsed)
	if r.logger != nil {
		r.logger.Debug("throughput stage finished", "case", tc.Key, "direction", dir,
			"bytes", res.Bytes, "chunks", res.Chunks, "elapsed", res.Elapsed, "mbps", res.Mbps)
	}
	return res, nil
}

func (r *Runner) started(stage Stage) {
	if r.observer != nil {
		r.observer.StageStarted(stage)
	}
}

func (r *Runner) completed(stage Stage, result Result) {
	if r.observer != nil {
		r.observer.StageCompleted(stage, result)
	}
}

func (r *Runner) failed(stage Stage, err error) {
	if r.observer != nil {
		r.observer.StageFailed(stage, err)
	}
}
