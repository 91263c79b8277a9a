// Command vtsched-demo runs a small crossover scenario: a handful of
// past-dated events fast-forward almost instantly, then a live generator
// paces events in real time, demonstrating the history->live handover.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumenstream/vtsched"
	"github.com/lumenstream/vtsched/internal/logging"
	"github.com/lumenstream/vtsched/internal/observability"
	"github.com/lumenstream/vtsched/internal/rtconfig"
	"github.com/lumenstream/vtsched/stream"
)

func main() {
	pastCount := flag.Int("past-count", 5, "number of synthetic past events to generate")
	liveCount := flag.Int("live-count", 5, "number of synthetic live events to generate")
	liveInterval := flag.Duration("live-interval", time.Second, "wall-clock spacing between live events")
	configPath := flag.String("config", "", "optional YAML config overlaying defaults")
	flag.Parse()

	cfg, err := rtconfig.LoadFile(*configPath)
	if err != nil {
		panic(fmt.Errorf("vtsched-demo: load config: %w", err))
	}
	cfg = rtconfig.ApplyEnv(cfg)

	logger := logging.New(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		panic(fmt.Errorf("vtsched-demo: init tracing: %w", err))
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, logger)

	reg := prometheus.NewRegistry()
	metrics, err := observability.NewSchedulerCollector(reg)
	if err != nil {
		panic(fmt.Errorf("vtsched-demo: register metrics: %w", err))
	}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error(ctx, "metrics server failed", logging.String("error", err.Error()))
			}
		}()
		defer srv.Close()
		logger.Info(ctx, "metrics listening", logging.String("addr", cfg.MetricsAddr))
	}

	start := time.Now()

	past := make([]stream.Event, *pastCount)
	for i := range past {
		past[i] = stream.Event{
			Time:    start.Add(time.Duration(i-*pastCount) * time.Second),
			Payload: fmt.Sprintf("history-%d", i),
		}
	}

	live := &tickingSource{count: *liveCount, interval: *liveInterval}

	callback := stream.Callback(func(ctx context.Context, eventTime time.Time, payload any) error {
		fmt.Printf("[%s] %v (lag=%s)\n", eventTime.Format(time.RFC3339Nano), payload, time.Since(eventTime))
		return nil
	})

	demo := vtsched.ProcessStream(stream.Definition{
		Callback: callback,
		Past:     sliceSeq(past),
		Live:     live,
		OnLiveStart: func() {
			fmt.Println("** going live **")
		},
	}, stream.Options{})

	err = vtsched.Run(ctx, []vtsched.Stream{demo},
		vtsched.WithLogger(logger),
		vtsched.WithMetrics(metrics),
		vtsched.WithTolerance(cfg.Scheduler.Tolerance),
		func(o *vtsched.RunOptions) {
			if cfg.Scheduler.StrictOrdering {
				vtsched.WithStrictOrdering()(o)
			}
		},
	)
	if err != nil {
		panic(fmt.Errorf("vtsched-demo: run: %w", err))
	}
	fmt.Println("done.")
}

// sliceSeq adapts a slice of events into the iter.Seq[Event] Definition.Past
// expects.
func sliceSeq(events []stream.Event) func(func(stream.Event) bool) {
	return func(yield func(stream.Event) bool) {
		for _, ev := range events {
			if !yield(ev) {
				return
			}
		}
	}
}

// tickingSource is a LiveSource that emits count events spaced interval
// apart in real time, then closes.
type tickingSource struct {
	count    int
	interval time.Duration
}

func (s *tickingSource) Events(ctx context.Context) <-chan stream.LiveEvent {
	out := make(chan stream.LiveEvent)
	go func() {
		defer close(out)
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for i := 0; i < s.count; i++ {
			select {
			case <-t.C:
			case <-ctx.Done():
				return
			}
			select {
			case out <- stream.LiveEvent{Event: stream.Event{Time: time.Now(), Payload: fmt.Sprintf("live-%d", i)}}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
