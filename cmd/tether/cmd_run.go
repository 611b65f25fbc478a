// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/tether/services/tether/api"
	"github.com/AleutianAI/tether/services/tether/config"
	"github.com/AleutianAI/tether/services/tether/conn"
	"github.com/AleutianAI/tether/services/tether/engine"
	"github.com/AleutianAI/tether/services/tether/host/rodhost"
	"github.com/AleutianAI/tether/services/tether/host/simhost"
	"github.com/AleutianAI/tether/services/tether/telemetry"
	"github.com/AleutianAI/tether/services/tether/util"
)

// app holds everything a running process owns, in start order.
type app struct {
	cfg       config.TetherConfig
	logs      *logSink
	logger    *slog.Logger
	registry  *prometheus.Registry
	telemetry func(context.Context) error
	engine    *engine.Engine
}

func runRunCommand(cmd *cobra.Command, args []string) error {
	cfg, created, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if created {
		cmd.PrintErrf("created default configuration at %s\n", configPath)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, configPath, os.Stderr)
}

func runProbeCommand(cmd *cobra.Command, args []string) error {
	cfg, err := config.Read(configPath)
	if err != nil {
		return err
	}
	cfg.Server.Enabled = false

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return probe(ctx, cfg, probeTicks, probeFormat, cmd.OutOrStdout(), os.Stderr)
}

// start opens the log sink, telemetry, the host connection and the engine.
// On error, whatever was already started is torn down.
func start(ctx context.Context, cfg config.TetherConfig, stderr io.Writer) (a *app, err error) {
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close(context.WithoutCancel(ctx))
			a = nil
		}
	}()

	if a.logs, err = openLogSink(cfg.Log, stderr); err != nil {
		return a, err
	}
	a.logger = a.logs.logger

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tcfg := cfg.Telemetry
	tcfg.Registry = a.registry
	if tcfg.ServiceVersion == "" || tcfg.ServiceVersion == "dev" {
		tcfg.ServiceVersion = version
	}
	if a.telemetry, err = telemetry.Init(ctx, tcfg); err != nil {
		return a, fmt.Errorf("telemetry: %w", err)
	}

	dial, err := dialer(cfg, a.logger)
	if err != nil {
		return a, err
	}
	c, err := conn.Open(ctx, dial, cfg.ConnectionConfig(), conn.WithLogger(a.logger))
	if err != nil {
		return a, fmt.Errorf("open host connection: %w", err)
	}

	a.engine, err = engine.New(c, cfg.EngineConfig(),
		engine.WithLogger(a.logger),
		engine.WithMetrics(engine.NewMetrics(a.registry)),
	)
	if err != nil {
		_ = c.Close(ctx)
		return a, err
	}

	a.logger.Info("tether started",
		slog.String("version", version),
		slog.String("driver", cfg.Host.Driver),
		slog.String("window_label", cfg.Engine.WindowLabel),
	)
	return a, nil
}

// close stops the engine first, then telemetry, then drains the log.
func (a *app) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, util.EnforceDefaultTimeout(a.cfg.Server.ShutdownTimeout, util.DefaultShutdownTimeout))
	defer cancel()

	if a.engine != nil {
		if err := a.engine.Close(ctx); err != nil && a.logger != nil {
			a.logger.Error("engine close failed", slog.String("error", err.Error()))
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry(ctx); err != nil && a.logger != nil {
			a.logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}
	if a.logs != nil {
		if a.logger != nil {
			a.logger.Info("tether stopped")
		}
		if err := a.logs.Close(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "tether: log drain: %v\n", err)
		}
	}
}

// dialer picks the host driver.
func dialer(cfg config.TetherConfig, logger *slog.Logger) (conn.Dialer, error) {
	switch cfg.Host.Driver {
	case config.DriverSim, "":
		label := cfg.Host.Sim.WindowLabel
		if label == "" {
			label = cfg.Engine.WindowLabel
		}
		return simhost.DemoTree(label).Dial, nil
	case config.DriverRod:
		return rodhost.Dialer(rodhost.Options{
			ControlURL: cfg.Host.Rod.ControlURL,
			Headless:   cfg.Host.Rod.Headless,
			StartURL:   cfg.Host.Rod.StartURL,
			Logger:     logger,
		}), nil
	default:
		return nil, fmt.Errorf("%w: unknown host driver %q", config.ErrInvalid, cfg.Host.Driver)
	}
}

// serve runs the scrape loop, the HTTP server and the config watcher until
// ctx is done or one of them fails.
func serve(ctx context.Context, cfg config.TetherConfig, path string, stderr io.Writer) error {
	a, err := start(ctx, cfg, stderr)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	runner := engine.NewRunner(a.engine, cfg.Engine.TickPeriod,
		engine.WithRunnerLogger(a.logger),
		engine.WithPayloadHandler(func(p *engine.Payload) {
			a.logger.Debug("payload",
				slog.Uint64("tick", p.Tick),
				slog.Bool("fresh", p.Fresh),
				slog.Int("chars", len(p.Text)),
			)
		}),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })

	if cfg.Server.Enabled {
		if parseLevel(cfg.Log.Level) > slog.LevelDebug {
			gin.SetMode(gin.ReleaseMode)
		}
		var metrics http.Handler
		if cfg.Telemetry.MetricExporter == telemetry.ExporterPrometheus {
			metrics = telemetry.MetricsHandler()
		}
		if metrics == nil {
			metrics = promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry})
		}
		srv := api.NewServer(cfg.Server.Addr, api.NewRouter(a.engine, metrics, a.logger), cfg.Server.ShutdownTimeout, a.logger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	if path != "" {
		g.Go(func() error {
			return config.Watch(gctx, path, a.logger, func(next config.TetherConfig) {
				reload(a, next)
			})
		})
	}

	err = g.Wait()
	st := runner.Stats()
	a.logger.Info("scrape loop stopped",
		slog.Int64("ticks", st.Ticks),
		slog.Int64("errors", st.Errors),
		slog.Int64("overruns", st.Overruns),
		slog.Int64("panics", st.Panics),
	)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// reload applies a changed configuration file. Only engine and connection
// settings take effect without a restart.
func reload(a *app, next config.TetherConfig) {
	if err := a.engine.UpdateConfig(next.EngineConfig()); err != nil {
		a.logger.Warn("config change rejected", slog.String("error", err.Error()))
		return
	}
	if next.Engine.TickPeriod != a.cfg.Engine.TickPeriod ||
		next.Host != a.cfg.Host ||
		next.Server != a.cfg.Server ||
		next.Log != a.cfg.Log {
		a.logger.Warn("config change needs a restart for tick period, host, server and log settings")
	}
	a.logger.Info("config change queued for next tick")
}

// probe runs n ticks back to back and writes one line per tick to out.
func probe(ctx context.Context, cfg config.TetherConfig, n int, format string, out, stderr io.Writer) error {
	if n <= 0 {
		n = 1
	}
	a, err := start(ctx, cfg, stderr)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	enc := json.NewEncoder(out)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil
		}
		p, tickErr := a.engine.Tick(ctx)
		if format == "json" {
			if err := enc.Encode(probeLine(i+1, p, tickErr)); err != nil {
				return fmt.Errorf("write probe output: %w", err)
			}
			continue
		}
		switch {
		case tickErr != nil:
			fmt.Fprintf(out, "tick %d: %s: %v\n", i+1, color.New(color.FgRed).Sprint("error"), tickErr)
		case p == nil:
			fmt.Fprintf(out, "tick %d: %s\n", i+1, color.New(color.FgYellow).Sprint("no payload"))
		default:
			fmt.Fprintf(out, "tick %d: generation=%d fresh=%t %q\n", i+1, p.Generation, p.Fresh, p.Text)
		}
	}

	hb := a.engine.Heartbeat()
	if format == "json" {
		return enc.Encode(hb)
	}
	health := color.New(color.FgGreen).Sprint("healthy=true")
	if !hb.Healthy() {
		health = color.New(color.FgRed).Sprint("healthy=false")
	}
	fmt.Fprintf(out, "%s calls=%d outstanding=%d misses=%d\n",
		health, hb.Connection.Calls, hb.Connection.Handles.Outstanding, hb.ContentMisses)
	return nil
}

type probeResult struct {
	Tick    int             `json:"tick"`
	Payload *engine.Payload `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func probeLine(n int, p *engine.Payload, err error) probeResult {
	r := probeResult{Tick: n, Payload: p}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
