package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"bookd/api/ws"
	"bookd/config"
	"bookd/fanout"
	"bookd/infra/kafka"
	"bookd/infra/outbox"
	"bookd/jobs/broadcaster"
	"bookd/registry"
	"bookd/service"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log := newLogger(cfg.LogLevel)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------------- State ----------------

	reg := registry.New(log)

	ob, err := outbox.Open(cfg.Outbox.Dir)
	if err != nil {
		log.Fatal("outbox init failed", zap.Error(err))
	}
	defer ob.Close()

	// ---------------- Fanout ----------------

	fo := fanout.New(service.NewReplicaSource(reg), log)

	// ---------------- Bootstrap ----------------

	if cfg.Bootstrap.Enabled {
		boot := service.NewBootstrapper(
			cfg.Kafka.Brokers,
			cfg.Kafka.FeedTopic,
			cfg.Bootstrap.Lookback.Duration,
			cfg.Bootstrap.PollTimeout.Duration,
			reg,
			log,
		)
		// Best effort; live consumption starts regardless and the
		// per-market gate keeps the two from interleaving.
		go boot.Run(ctx)
	}

	// ---------------- Ingestion ----------------

	ingest := service.NewIngest(reg, ob, fo, log)

	consumer, err := kafka.NewConsumer(
		cfg.Kafka.Brokers,
		cfg.Kafka.ConsumerGroup,
		cfg.Kafka.FeedTopic,
		ingest.Handle,
		log,
	)
	if err != nil {
		log.Fatal("consumer init failed", zap.Error(err))
	}
	defer consumer.Close()

	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("consumer stopped", zap.Error(err))
		}
	}()

	// ---------------- Broadcaster ----------------

	bc, err := broadcaster.New(
		ob,
		cfg.Kafka.Brokers,
		cfg.Kafka.DownstreamTopic,
		cfg.Outbox.DrainInterval.Duration,
		log,
	)
	if err != nil {
		log.Fatal("broadcaster init failed", zap.Error(err))
	}
	defer bc.Close()
	bc.Start(ctx)

	// ---------------- API ----------------

	srv := ws.NewServer(fo, log)
	if err := ws.Listen(ctx, cfg.API.ListenAddr, srv, log); err != nil {
		log.Fatal("websocket server failed", zap.Error(err))
	}

	log.Info("shutdown complete")
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	log, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return log
}
