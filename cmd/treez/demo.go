package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/zoobzio/treez"
	"github.com/zoobzio/treez/internal/logger"
	"github.com/zoobzio/treez/logbridge"
	"github.com/zoobzio/treez/natsink"
	"github.com/zoobzio/treez/otelbridge"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Trace a sample concurrent workload",
	Long: `Demo runs a sample workload of concurrent requests instrumented with the treez tracer,
zerolog and OpenTelemetry, and prints every completed trace tree`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().String("format", "", "output format (text|json|msgpack)")
	demoCmd.Flags().Int("requests", 4, "number of concurrent requests")
	demoCmd.Flags().Bool("nats", false, "also publish trees to NATS")
}

func runDemo(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("format"); v != "" {
		cfg.Render.Format = v
	}
	if v, _ := cmd.Flags().GetBool("nats"); v {
		cfg.NATS.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	requests, err := cmd.Flags().GetInt("requests")
	if err != nil {
		return fmt.Errorf("failed to get requests flag: %w", err)
	}

	log := logger.WithComponent("demo")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	ch := treez.NewBroadcaster(cfg.Capacity)

	counts := &treez.CountMonitor{}
	monitors := []treez.Monitor{counts}
	if cfg.Watermark > 0 {
		monitors = append(monitors, treez.NewWatermarkMonitor(logger.GetLogger(), cfg.Watermark))
	}

	// Resident span gauge, read back for the summary.
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()
	gauge, err := otelbridge.NewGaugeMonitor(mp.Meter("treez"))
	if err != nil {
		return err
	}
	monitors = append(monitors, gauge)

	agg := treez.NewAggregator(ch,
		treez.WithMonitor(treez.Monitors(monitors...)),
		treez.WithLogger(logger.GetLogger()),
	)
	tracer := treez.New(agg).WithLogger(logger.GetLogger())
	defer tracer.Close()

	printer, err := newPrinter(cfg.Render, os.Stdout, log)
	if err != nil {
		return err
	}
	dispatcher := treez.NewDispatcher(ch.Subscribe()).WithLogger(logger.GetLogger())
	dispatcher.OnEntry(printer)
	collector := treez.NewCollector("demo", nil)
	dispatcher.OnEntry(collector.Handle)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})

	var sink *natsink.Sink
	if cfg.NATS.Enabled {
		nc, err := natsink.Connect(cfg.NATS.URL, logger.GetLogger())
		if err != nil {
			ch.Close()
			_ = g.Wait()
			return err
		}
		defer nc.Close()
		sink = natsink.New(nc, cfg.NATS.Subject, cfg.NATSFormat(), natsink.WithLogger(logger.GetLogger()))
		sub := ch.Subscribe()
		g.Go(func() error {
			return sink.Run(gctx, sub)
		})
	}

	g.Go(func() error {
		defer ch.Close()
		runWorkload(gctx, tracer, requests)
		return runOTelWorkload(gctx, agg)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	dispatcher.Close()

	trees := collector.Export()
	nodes := 0
	for i := range trees {
		nodes += trees[i].Size()
	}
	summary := log.Info().
		Int("trees", len(trees)).
		Int("nodes", nodes).
		Int("peak_resident", counts.Peak()).
		Int64("resident", residentGauge(reader)).
		Uint64("dropped", tracer.DroppedTrees()).
		Uint64("missed", dispatcher.MissedEntries())
	if sink != nil {
		summary = summary.Uint64("published", sink.Published()).Uint64("publish_failed", sink.Failed())
	}
	summary.Msg("demo finished")

	return nil
}

// runWorkload serves requests concurrently. Each request is a root span with
// nested spans, events from the tracer and log lines bridged from zerolog.
func runWorkload(ctx context.Context, tracer *treez.Tracer, requests int) {
	log := zerolog.New(io.Discard).Hook(logbridge.NewHook(tracer, logbridge.WithMinLevel(zerolog.DebugLevel)))

	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			reqCtx, req := tracer.StartSpan(ctx, treez.LevelInfo, "handle-request",
				treez.Int("request", n),
				treez.String("route", "/orders"),
			)
			defer req.Finish()

			req.Do(func() {
				userCtx, user := tracer.StartSpan(reqCtx, treez.LevelDebug, "load-user")
				user.Do(func() {
					sleep(ctx, time.Duration(1+n%3)*time.Millisecond)
					log.Debug().Ctx(userCtx).Msg("cache miss")
				})
				user.Finish()

				_, query := tracer.StartSpan(reqCtx, treez.LevelDebug, "query-orders", treez.String("db", "orders"))
				for attempt := 1; attempt <= 2; attempt++ {
					query.Do(func() {
						sleep(ctx, time.Millisecond)
					})
				}
				query.Record(treez.Int("rows", 10*n))
				query.Finish()

				if n%2 == 1 {
					tracer.Event(reqCtx, treez.LevelWarn, "slow client", treez.Duration("wait", 2*time.Millisecond))
				}
			})
		}(i)
	}
	wg.Wait()

	tracer.Event(ctx, treez.LevelInfo, "workload complete", treez.Int("requests", requests))
}

// runOTelWorkload traces one request with the OpenTelemetry API.
func runOTelWorkload(ctx context.Context, agg *treez.Aggregator) error {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(otelbridge.NewProcessor(agg)))
	defer func() { _ = tp.Shutdown(context.Background()) }()
	tracer := tp.Tracer("treez-demo")

	ctx, checkout := tracer.Start(ctx, "otel-checkout")
	checkout.SetAttributes(attribute.String("cart", "3 items"))

	_, charge := tracer.Start(ctx, "charge-card")
	sleep(ctx, 2*time.Millisecond)
	charge.AddEvent("retry", trace.WithAttributes(attribute.Int("attempt", 2)))
	charge.SetStatus(codes.Ok, "")
	charge.End()

	checkout.End()
	return ctx.Err()
}

// residentGauge reads the last recorded resident span count, or -1.
func residentGauge(reader *sdkmetric.ManualReader) int64 {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		return -1
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if g, ok := m.Data.(metricdata.Gauge[int64]); ok && m.Name == otelbridge.ResidentMetric && len(g.DataPoints) > 0 {
				return g.DataPoints[0].Value
			}
		}
	}
	return -1
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
