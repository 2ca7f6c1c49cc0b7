package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NodePath81/pltester/internal/config"
	"github.com/NodePath81/pltester/internal/history"
	"github.com/NodePath81/pltester/internal/throughput"
	"github.com/NodePath81/pltester/internal/util"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"
)

var speedtestCommand = &cli.Command{
	Name:  "speedtest",
	Usage: "Measure HTTP download and upload throughput against a node",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "base-url", Usage: "Speed test base url, http://host:port/speedtest"},
		&cli.StringSliceFlag{Name: "case", Usage: "Run only the named cases (repeatable)"},
		&cli.BoolFlag{Name: "no-history", Usage: "Do not store the result"},
	},
	Action: runSpeedtest,
}

func testCases(cfg []config.SpeedtestCaseConfig, only []string) ([]throughput.TestCase, error) {
	want := make(map[string]bool, len(only))
	for _, key := range only {
		want[strings.TrimSpace(key)] = true
	}
	cases := make([]throughput.TestCase, 0, len(cfg))
	for _, tc := range cfg {
		if len(want) > 0 && !want[tc.Key] {
			continue
		}
		delete(want, tc.Key)
		cases = append(cases, throughput.TestCase{
			Key:      tc.Key,
			Label:    tc.Label,
			Download: throughput.Transfer{PacketBytes: tc.Download.PacketBytes, TotalBytes: tc.Download.TotalBytes},
			Upload:   throughput.Transfer{PacketBytes: tc.Upload.PacketBytes, TotalBytes: tc.Upload.TotalBytes},
		})
	}
	for key := range want {
		return nil, fmt.Errorf("unknown speed test case %q", key)
	}
	return cases, nil
}

type stagePrinter struct{}

func (stagePrinter) StageStarted(stage throughput.Stage) {
	fmt.Printf("stage %d/%d · %s\n", stage.Index+1, stage.Total, stage.Description)
}

func (stagePrinter) StageCompleted(stage throughput.Stage, result throughput.Result) {
	if stage.Kind == throughput.StageLatency {
		fmt.Printf("  latency %s\n", util.FormatMillis(result.LatencyMs))
		return
	}
	fmt.Printf("  %s in %s, %s\n", util.FormatBytes(float64(result.Bytes)),
		result.Elapsed.Round(time.Millisecond), util.FormatMbps(result.Mbps))
}

func (stagePrinter) StageFailed(stage throughput.Stage, err error) {
	fmt.Printf("  failed: %v\n", err)
}

func runSpeedtest(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("base-url") {
		cfg.Speedtest.BaseURL = c.String("base-url")
	}
	baseURL, err := cfg.SpeedtestBaseURL()
	if err != nil {
		return err
	}
	cases, err := testCases(cfg.Speedtest.Cases, c.StringSlice("case"))
	if err != nil {
		return err
	}
	logger := util.NewLoggerTo(os.Stderr, cfg.LogLevel)
	transferer, err := throughput.NewHTTPTransferer(baseURL, &http.Client{Timeout: cfg.Speedtest.Timeout.Duration()})
	if err != nil {
		return err
	}

	ctx, stop := signalContext(c.Context)
	defer stop()
	fmt.Printf("speed test against %s\n", baseURL)
	runner := throughput.NewRunner(transferer, throughput.WithObserver(stagePrinter{}), throughput.WithLogger(logger))
	report, runErr := runner.Run(ctx, cases)
	printSpeedtestReport(report)

	if !c.Bool("no-history") && len(report.Cases) > 0 {
		saveSpeedtest(cfg.History, baseURL, report, runErr, logger)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func printSpeedtestReport(report throughput.Report) {
	if len(report.Cases) == 0 {
		return
	}
	t := newTable(os.Stdout, table.Row{"Case", "Download", "Upload"})
	mbps := func(r *throughput.Result) string {
		if r == nil {
			return "-"
		}
		return util.FormatMbps(r.Mbps)
	}
	for _, cr := range report.Cases {
		t.AppendRow(table.Row{cr.Case.Label, mbps(cr.Download), mbps(cr.Upload)})
	}
	if summary, ok := report.Summary(); ok {
		t.AppendFooter(table.Row{"Result", mbps(summary.Download), mbps(summary.Upload)})
	}
	t.SetCaption("latency %s", util.FormatMillis(report.LatencyMs))
	t.Render()
}

func saveSpeedtest(cfg config.HistoryConfig, node string, report throughput.Report, runErr error, logger util.Logger) {
	store, err := history.Open(cfg.Path, cfg.Retain, logger)
	if err != nil {
		if !errors.Is(err, history.ErrNoPath) {
			logger.Warn("history unavailable", "error", err)
		}
		return
	}
	defer store.Close()
	if _, err := store.SaveSpeedtest(context.Background(), node, report, runErr); err != nil {
		logger.Warn("history save failed", "error", err)
	}
}
