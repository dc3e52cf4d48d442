package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mr-karan/dnswatch/aggregator"
	"github.com/mr-karan/dnswatch/collector"
	"github.com/mr-karan/dnswatch/config"
	"github.com/mr-karan/dnswatch/db"
	"github.com/mr-karan/dnswatch/handlers"
	"github.com/mr-karan/dnswatch/logging"
	"github.com/mr-karan/dnswatch/metrics"
)

const (
	clickHouseConnectAttempts = 30
	serverShutdownTimeout     = 5 * time.Second
)

func run(parent context.Context, cfg *config.Config) error {
	log, err := logging.New(logging.Options{
		Level:         cfg.Log.Level,
		Format:        cfg.Log.Format,
		File:          cfg.Log.File,
		MaxFileSizeMB: cfg.Log.MaxSizeMB,
		MaxBackups:    cfg.Log.MaxBackups,
		MaxAgeDays:    cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return errors.Wrap(err, "init logger")
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		return errors.Wrap(err, "register metrics")
	}

	store, err := db.OpenSnapshotStore(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	agg := aggregator.New(aggregator.Config{
		Retention:           cfg.Durations.Retention,
		MaxPersistedRecords: cfg.Aggregator.MaxPersistedRecords,
		RecentCapacity:      cfg.Aggregator.RecentCapacity,
		BucketInterval:      cfg.Durations.BucketInterval,
		TimelineWindow:      cfg.Durations.TimelineWindow,
		TopN:                cfg.Aggregator.TopN,
	})
	svc := aggregator.NewService(agg, store, aggregator.ServiceConfig{
		SaveInterval:  cfg.Durations.SaveInterval,
		PruneInterval: cfg.Durations.PruneInterval,
		RateInterval:  time.Second,
		QueueSize:     cfg.Aggregator.QueueSize,
	}, log.Named("aggregator"), m)
	sinks := []collector.Sink{svc}

	// Consumers outlive the producers so that queued records are flushed
	// before the final snapshot.
	consumerCtx, stopConsumers := context.WithCancel(context.Background())
	defer stopConsumers()
	var consumers errgroup.Group
	consumers.Go(func() error { return svc.Run(consumerCtx) })

	if cfg.ClickHouse.DSN != "" {
		ch, err := db.OpenClickHouse(ctx, cfg.ClickHouse.DSN, clickHouseConnectAttempts, log.Named("clickhouse"))
		if err != nil {
			stopConsumers()
			_ = consumers.Wait()
			return err
		}
		defer ch.Close()

		writer := collector.NewClickHouseWriter(ch.Insert, cfg.ClickHouse.QueueSize, cfg.ClickHouse.BatchSize,
			cfg.Durations.FlushInterval, log.Named("clickhouse"), m)
		sinks = append(sinks, writer)
		consumers.Go(func() error {
			writer.Run(consumerCtx)
			return nil
		})
	}

	var dnstap *collector.DnstapListener
	if cfg.Dnstap.Socket != "" {
		dnstap = collector.NewDnstapListener(cfg.Dnstap.Socket, log.Named("dnstap"), m, sinks...)
		if err := dnstap.Start(); err != nil {
			stopConsumers()
			_ = consumers.Wait()
			return err
		}
	}

	producers, pctx := errgroup.WithContext(ctx)
	producers.Go(func() error {
		return runCapture(pctx, cfg, log, m, sinks)
	})

	if cfg.Server.Enabled {
		app := handlers.NewApp(handlers.NewAPI(svc, cfg.Aggregator.TopN, log.Named("api")), handlers.ServerOptions{
			AuthUser: cfg.Server.AuthUser,
			AuthPass: cfg.Server.AuthPass,
			Gatherer: reg,
		})
		producers.Go(func() error {
			log.Info("dashboard listening", zap.String("addr", cfg.Server.Listen))
			return errors.Wrap(app.Listen(cfg.Server.Listen), "dashboard server")
		})
		producers.Go(func() error {
			<-pctx.Done()
			return app.ShutdownWithTimeout(serverShutdownTimeout)
		})
	} else {
		producers.Go(func() error {
			<-pctx.Done()
			return nil
		})
	}

	runErr := producers.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	log.Info("shutting down")

	if dnstap != nil {
		dnstap.Stop()
	}
	stopConsumers()
	if err := consumers.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("aggregator stopped with error", zap.Error(err))
	}
	log.Info("shutdown complete")
	return runErr
}

// runCapture reads live interfaces or a pcap file until ctx is done. A host
// with no usable interface keeps running so that dnstap and the dashboard
// stay available.
func runCapture(ctx context.Context, cfg *config.Config, log *zap.Logger, m *metrics.Metrics, sinks []collector.Sink) error {
	log = log.Named("capture")

	var (
		open       collector.Opener
		candidates []collector.Candidate
	)
	maxSources := cfg.Capture.MaxSources
	switch {
	case cfg.Capture.PcapFile != "":
		open = collector.FileOpener(cfg.Capture.Filter)
		candidates = []collector.Candidate{{Name: cfg.Capture.PcapFile, Reason: "pcap file"}}
		maxSources = 1
	case len(cfg.Capture.Interfaces) > 0:
		open = liveOpener(cfg)
		for _, name := range cfg.Capture.Interfaces {
			candidates = append(candidates, collector.Candidate{Name: name, Reason: "configured"})
		}
	default:
		open = liveOpener(cfg)
		detected, err := collector.DetectInterfaces()
		if err != nil {
			log.Error("interface detection failed", zap.Error(err))
		}
		candidates = detected
	}

	err := collector.NewCapture(open, maxSources, log, m, sinks...).Run(ctx, candidates)
	switch {
	case errors.Is(err, collector.ErrNoSources):
		log.Warn("no capture source could be opened, continuing without live capture")
	case err != nil:
		return err
	case cfg.Capture.PcapFile != "" && ctx.Err() == nil:
		log.Info("pcap replay finished", zap.String("file", cfg.Capture.PcapFile))
	}
	return nil
}

func liveOpener(cfg *config.Config) collector.Opener {
	return collector.LiveOpener(collector.PcapOptions{
		Snaplen:     int32(cfg.Capture.Snaplen),
		Promiscuous: cfg.Capture.Promiscuous,
		ReadTimeout: cfg.Durations.ReadTimeout,
		Filter:      cfg.Capture.Filter,
	})
}
