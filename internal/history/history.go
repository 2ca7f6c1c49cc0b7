// Package history keeps past probe and speed test results in a local
// SQLite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/NodePath81/pltester/internal/session"
	"github.com/NodePath81/pltester/internal/throughput"
	"github.com/NodePath81/pltester/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

type Kind string

const (
	KindProbe     Kind = "probe"
	KindSpeedtest Kind = "speedtest"
)

// ErrNoPath is returned by Open when no database path is configured.
var ErrNoPath = errors.New("history: no database path configured")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	kind          TEXT    NOT NULL,
	node          TEXT    NOT NULL,
	started_at    INTEGER NOT NULL,
	finished_at   INTEGER NOT NULL,
	mode          TEXT,
	rate          REAL,
	sent          INTEGER,
	received      INTEGER,
	lost          INTEGER,
	loss_percent  REAL,
	latency_avg   REAL,
	latency_min   REAL,
	latency_max   REAL,
	jitter        REAL,
	p90           REAL,
	download_mbps REAL,
	upload_mbps   REAL,
	completed     INTEGER NOT NULL DEFAULT 0,
	error         TEXT
);
CREATE INDEX IF NOT EXISTS runs_kind_started ON runs (kind, started_at);
`

// Record is one stored run. Float fields are NaN when the run produced no
// value for them.
type Record struct {
	ID           int64
	Kind         Kind
	Node         string
	StartedAt    time.Time
	FinishedAt   time.Time
	Mode         string
	Rate         float64
	Sent         uint64
	Received     uint64
	Lost         int
	LossPercent  float64
	LatencyAvg   float64
	LatencyMin   float64
	LatencyMax   float64
	Jitter       float64
	P90          float64
	// DownloadMbps and UploadMbps are taken from the last speed test case.
	DownloadMbps float64
	UploadMbps   float64
	Completed    bool
	Error        string
}

type Store struct {
	db     *sql.DB
	retain int
	logger util.Logger
}

// Open creates the database at path if needed. retain bounds the number of
// stored runs; zero keeps everything.
func Open(path string, retain int, logger util.Logger) (*Store, error) {
	if path == "" {
		return nil, ErrNoPath
	}
	if logger == nil {
		logger = util.DiscardLogger()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}
	return &Store{db: db, retain: retain, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveProbe stores a finished packet test and returns its id.
func (s *Store) SaveProbe(ctx context.Context, node string, res session.Result) (int64, error) {
	rec := Record{
		Kind:        KindProbe,
		Node:        node,
		StartedAt:   res.StartedAt,
		FinishedAt:  res.FinishedAt,
		Mode:        res.Mode.String(),
		Rate:        res.Rate,
		Sent:        res.Sent,
		Received:    res.Received,
		Lost:        res.Lost,
		LossPercent: res.LossPercent,
		LatencyAvg:  math.NaN(),
		LatencyMin:  math.NaN(),
		LatencyMax:  math.NaN(),
		Jitter:      math.NaN(),
		P90:         math.NaN(),

		DownloadMbps: math.NaN(),
		UploadMbps:   math.NaN(),
		Completed:    res.Err == nil,
	}
	if lat := res.Latency; lat.Count > 0 {
		rec.LatencyAvg, rec.LatencyMin, rec.LatencyMax = lat.Avg, lat.Min, lat.Max
		rec.Jitter, rec.P90 = lat.Jitter, lat.P90
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	return s.insert(ctx, rec)
}

// SaveSpeedtest stores a speed test report and returns its id.
func (s *Store) SaveSpeedtest(ctx context.Context, node string, report throughput.Report, runErr error) (int64, error) {
	rec := Record{
		Kind:        KindSpeedtest,
		Node:        node,
		StartedAt:   report.StartedAt,
		FinishedAt:  report.FinishedAt,
		Rate:        math.NaN(),
		LossPercent: math.NaN(),
		LatencyAvg:  report.LatencyMs,
		LatencyMin:  math.NaN(),
		LatencyMax:  math.NaN(),
		Jitter:      math.NaN(),
		P90:         math.NaN(),

		DownloadMbps: math.NaN(),
		UploadMbps:   math.NaN(),
		Completed:    report.Completed,
	}
	if summary, ok := report.Summary(); ok {
		if summary.Download != nil {
			rec.DownloadMbps = summary.Download.Mbps
		}
		if summary.Upload != nil {
			rec.UploadMbps = summary.Upload.Mbps
		}
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	return s.insert(ctx, rec)
}

func (s *Store) insert(ctx context.Context, rec Record) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO runs (
		kind, node, started_at, finished_at, mode, rate, sent, received, lost, loss_percent,
		latency_avg, latency_min, latency_max, jitter, p90, download_mbps, upload_mbps, completed, error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.Kind), rec.Node, rec.StartedAt.UnixMilli(), rec.FinishedAt.UnixMilli(),
		nullString(rec.Mode), nullFloat(rec.Rate), int64(rec.Sent), int64(rec.Received), rec.Lost, nullFloat(rec.LossPercent),
		nullFloat(rec.LatencyAvg), nullFloat(rec.LatencyMin), nullFloat(rec.LatencyMax), nullFloat(rec.Jitter), nullFloat(rec.P90),
		nullFloat(rec.DownloadMbps), nullFloat(rec.UploadMbps), rec.Completed, nullString(rec.Error),
	)
	if err != nil {
		return 0, fmt.Errorf("history: insert %s run: %w", rec.Kind, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := s.prune(ctx); err != nil {
		s.logger.Warn("history prune failed", "error", err)
	}
	return id, nil
}

func (s *Store) prune(ctx context.Context) error {
	if s.retain <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM runs WHERE id NOT IN (SELECT id FROM runs ORDER BY id DESC LIMIT ?)", s.retain)
	return err
}

// Recent returns up to limit runs, newest first. An empty kind matches
// both kinds.
func (s *Store) Recent(ctx context.Context, kind Kind, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, kind, node, started_at, finished_at, mode, rate, sent, received, lost, loss_percent,
		latency_avg, latency_min, latency_max, jitter, p90, download_mbps, upload_mbps, completed, error
	FROM runs WHERE (? = '' OR kind = ?) ORDER BY id DESC LIMIT ?`, string(kind), string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec               Record
			kindStr           string
			started, finished int64
			mode, errText     sql.NullString
			sent, received    sql.NullInt64
			lost              sql.NullInt64
			rate, loss        sql.NullFloat64
			avg, minV, maxV   sql.NullFloat64
			jitter, p90       sql.NullFloat64
			download, upload  sql.NullFloat64
		)
		if err := rows.Scan(&rec.ID, &kindStr, &rec.Node, &started, &finished, &mode, &rate, &sent, &received, &lost, &loss,
			&avg, &minV, &maxV, &jitter, &p90, &download, &upload, &rec.Completed, &errText); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		rec.Kind = Kind(kindStr)
		rec.StartedAt = time.UnixMilli(started)
		rec.FinishedAt = time.UnixMilli(finished)
		rec.Mode = mode.String
		rec.Error = errText.String
		rec.Sent = uint64(sent.Int64)
		rec.Received = uint64(received.Int64)
		rec.Lost = int(lost.Int64)
		rec.Rate = floatOrNaN(rate)
		rec.LossPercent = floatOrNaN(loss)
		rec.LatencyAvg = floatOrNaN(avg)
		rec.LatencyMin = floatOrNaN(minV)
		rec.LatencyMax = floatOrNaN(maxV)
		rec.Jitter = floatOrNaN(jitter)
		rec.P90 = floatOrNaN(p90)
		rec.DownloadMbps = floatOrNaN(download)
		rec.UploadMbps = floatOrNaN(upload)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
