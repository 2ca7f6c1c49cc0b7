package main

import (
	"context"
	"math"
	"os"
	"time"

	"github.com/NodePath81/pltester/internal/history"
	"github.com/NodePath81/pltester/internal/util"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"
)

var historyCommand = &cli.Command{
	Name:  "history",
	Usage: "List stored probe and speed test results",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "kind", Usage: "probe or speedtest; both when empty"},
		&cli.IntFlag{Name: "limit", Value: 20, Usage: "Number of runs to show"},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		store, err := history.Open(cfg.History.Path, cfg.History.Retain, util.NewLoggerTo(os.Stderr, cfg.LogLevel))
		if err != nil {
			return err
		}
		defer store.Close()
		recs, err := store.Recent(context.Background(), history.Kind(c.String("kind")), c.Int("limit"))
		if err != nil {
			return err
		}
		printHistory(recs)
		return nil
	},
}

func printHistory(recs []history.Record) {
	t := newTable(os.Stdout, table.Row{"#", "Kind", "Started", "Node", "Loss", "Latency", "Jitter", "Down", "Up", "Status"})
	for _, rec := range recs {
		status := "ok"
		if rec.Error != "" {
			status = rec.Error
		} else if !rec.Completed {
			status = "incomplete"
		}
		t.AppendRow(table.Row{
			rec.ID,
			rec.Kind,
			rec.StartedAt.Local().Format(time.DateTime),
			rec.Node,
			orDash(rec.LossPercent, util.FormatPercent),
			orDash(rec.LatencyAvg, util.FormatMillis),
			orDash(rec.Jitter, util.FormatMillis),
			orDash(rec.DownloadMbps, util.FormatMbps),
			orDash(rec.UploadMbps, util.FormatMbps),
			status,
		})
	}
	t.Render()
}

func orDash(v float64, format func(float64) string) string {
	if math.IsNaN(v) {
		return "-"
	}
	return format(v)
}
