package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/NodePath81/pltester/internal/config"
	"github.com/NodePath81/pltester/internal/history"
	"github.com/NodePath81/pltester/internal/ledger"
	"github.com/NodePath81/pltester/internal/session"
	"github.com/NodePath81/pltester/internal/transport"
	"github.com/NodePath81/pltester/internal/util"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"
)

var probeCommand = &cli.Command{
	Name:  "probe",
	Usage: "Measure latency, jitter and loss against a node",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "node", Usage: "Signaling url, ws://host:port/ws"},
		&cli.Float64Flag{Name: "rate", Usage: "Packets per second"},
		&cli.StringFlag{Name: "size", Usage: "Probe payload size, e.g. 64 or 1kib"},
		&cli.DurationFlag{Name: "duration", Usage: "Test duration (standard mode)"},
		&cli.BoolFlag{Name: "stress", Usage: "Run until interrupted, keeping a sliding window"},
		&cli.DurationFlag{Name: "recv-wait", Usage: "Grace period for late echoes"},
		&cli.IntFlag{Name: "dscp", Usage: "DSCP code point for probe packets"},
		&cli.BoolFlag{Name: "no-history", Usage: "Do not store the result"},
	},
	Action: runProbe,
}

func applyProbeFlags(c *cli.Context, p *config.ProbeConfig) error {
	if c.IsSet("node") {
		p.Node = c.String("node")
	}
	if c.IsSet("rate") {
		p.Rate = c.Float64("rate")
	}
	if c.IsSet("size") {
		p.Size = c.String("size")
	}
	if c.IsSet("duration") {
		p.Duration = config.Duration(c.Duration("duration"))
	}
	if c.IsSet("stress") {
		p.StressMode = c.Bool("stress")
	}
	if c.IsSet("recv-wait") {
		p.RecvWait = config.Duration(c.Duration("recv-wait"))
	}
	if c.IsSet("dscp") {
		p.DSCP = c.Int("dscp")
	}
	return p.Validate()
}

func runProbe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := applyProbeFlags(c, &cfg.Probe); err != nil {
		return err
	}
	logger := util.NewLoggerTo(os.Stderr, cfg.LogLevel)
	ctx, stop := signalContext(c.Context)
	defer stop()

	p := cfg.Probe
	ch, err := transport.Dial(ctx, transport.DialOptions{
		Node:           p.Node,
		ConnectTimeout: p.ConnectTimeout.Duration(),
		STUNServers:    p.STUNServers,
		DSCP:           p.DSCP,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer ch.Close()

	live := interactive()
	s, err := session.New(ch, session.Options{
		Rate:          p.Rate,
		Size:          p.SizeBytes,
		Duration:      p.Duration.Duration(),
		Stress:        p.StressMode,
		RecvWait:      p.RecvWait.Duration(),
		Window:        p.Window.Duration(),
		FrameInterval: p.FrameInterval.Duration(),
		ChartInterval: p.ChartInterval.Duration(),
		OnStats: func(st session.Stats) {
			if live {
				fmt.Fprintf(os.Stdout, "\r\033[K%s", statsLine(st))
			}
		},
	}, session.WithLogger(logger))
	if err != nil {
		return err
	}
	go func() {
		for msg := range ch.Messages() {
			s.Receive(msg.Data, msg.At)
		}
	}()

	mode := "standard"
	if p.StressMode {
		mode = "stress"
	}
	fmt.Printf("probing %s (session %s): %s mode, %.0f pkt/s, %d byte payload\n",
		p.Node, ch.SessionID(), mode, p.Rate, p.SizeBytes)
	if err := s.Start(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		s.Stop()
	case <-s.Done():
	case <-ch.Done():
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), p.RecvWait.Duration()+5*time.Second)
	defer cancel()
	res, err := s.Wait(waitCtx)
	if err != nil {
		s.Stop()
		res = s.Result()
	}
	if live {
		fmt.Println()
	}
	printProbeResult(res)

	if !c.Bool("no-history") {
		saveProbe(cfg.History, p.Node, res, logger)
	}
	if res.Err != nil && !errors.Is(res.Err, context.Canceled) {
		return res.Err
	}
	return nil
}

func statsLine(st session.Stats) string {
	lat := st.Latency
	return fmt.Sprintf("sent %d  recv %d  lost %d (%s)  avg %s  jitter %s  p90 %s",
		st.Sent, st.Received, st.Lost, util.FormatPercent(st.LossPercent),
		util.FormatMillis(lat.Avg), util.FormatMillis(lat.Jitter), util.FormatMillis(lat.P90))
}

func printProbeResult(res session.Result) {
	t := newTable(os.Stdout, table.Row{"Metric", "Value"})
	scope := "run"
	if res.Mode == ledger.SlidingWindow {
		scope = "window"
	}
	lat := res.Latency
	t.AppendRows([]table.Row{
		{"Mode", res.Mode.String()},
		{"Elapsed", res.Elapsed.Round(time.Millisecond).String()},
		{"Sent", res.Sent},
		{"Received", res.Received},
		{"Lost (" + scope + ")", res.Lost},
		{"Loss (" + scope + ")", util.FormatPercent(res.LossPercent)},
	})
	t.AppendSeparator()
	if lat.Count == 0 {
		t.AppendRow(table.Row{"Latency", "no samples"})
	} else {
		t.AppendRows([]table.Row{
			{"Latency avg", util.FormatMillis(lat.Avg)},
			{"Latency min", util.FormatMillis(lat.Min)},
			{"Latency max", util.FormatMillis(lat.Max)},
			{"Latency p90", util.FormatMillis(lat.P90)},
			{"Jitter", util.FormatMillis(lat.Jitter)},
		})
	}
	if res.Err != nil {
		t.AppendSeparator()
		t.AppendRow(table.Row{"Ended early", res.Err.Error()})
	}
	t.Render()
}

func saveProbe(cfg config.HistoryConfig, node string, res session.Result, logger util.Logger) {
	store, err := history.Open(cfg.Path, cfg.Retain, logger)
	if err != nil {
		if !errors.Is(err, history.ErrNoPath) {
			logger.Warn("history unavailable", "error", err)
		}
		return
	}
	defer store.Close()
	if _, err := store.SaveProbe(context.Background(), node, res); err != nil {
		logger.Warn("history save failed", "error", err)
	}
}
