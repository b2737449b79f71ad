package main

import (
	"context"
	"errors"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

var cmdServe = &cli.Command{
	Name:  "serve",
	Usage: "deliver outbox events to consumers and run periodic maintenance",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics and pprof",
			Value:   ":2472",
			EnvVars: []string{"CIRRUS_METRICS_LISTEN"},
		},
		&cli.DurationFlag{
			Name:    "gc-interval",
			Usage:   "how often unreferenced blobs are collected (0 to disable)",
			Value:   time.Hour,
			EnvVars: []string{"CIRRUS_GC_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "event-retention",
			Usage:   "how long delivered outbox events are kept (0 to keep forever)",
			Value:   72 * time.Hour,
			EnvVars: []string{"CIRRUS_EVENT_RETENTION"},
		},
	},
	Action: withStack(runServe),
}

func runServe(cctx *cli.Context, s *stack) error {
	logger := s.log

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	mux := http.NewServeMux()
	mux.Handle("/metrics", otelhttp.NewHandler(promhttp.Handler(), "metrics"))
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	metricsSrv := &http.Server{
		Addr:    cctx.String("metrics-listen"),
		Handler: mux,
	}
	go func() {
		logger.Info("starting metrics endpoint", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to start metrics endpoint", "err", err)
			os.Exit(1)
		}
	}()

	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.outbox.Run(ectx)
	})
	if s.sweeper != nil {
		eg.Go(func() error {
			s.sweeper.RunSweeper(ectx, time.Minute)
			return nil
		})
	}
	if iv := cctx.Duration("gc-interval"); iv > 0 {
		grace := cctx.Duration("blob-temp-ttl")
		if grace <= 0 {
			grace = time.Hour
		}
		eg.Go(func() error {
			s.maintain(ectx, iv, grace, cctx.Duration("event-retention"))
			return nil
		})
	}

	logger.Info("startup complete")
	<-signals
	logger.Info("received shutdown signal")
	cancel()

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := metricsSrv.Shutdown(sctx); err != nil {
		logger.Error("error during shutdown", "err", err)
	}
	return eg.Wait()
}

// maintain collects unreferenced blobs and prunes delivered events every interval.
func (s *stack) maintain(ctx context.Context, interval, blobGrace, retention time.Duration) {
	logger := s.log
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		if n, err := s.blobs.GC(ctx, time.Now().Add(-blobGrace)); err != nil {
			logger.Error("blob gc failed", "err", err)
		} else if n > 0 {
			logger.Info("collected blobs", "count", n)
		}
		if retention > 0 {
			if _, err := s.outbox.Prune(ctx, time.Now().Add(-retention)); err != nil {
				logger.Error("pruning outbox failed", "err", err)
			}
		}
	}
}
