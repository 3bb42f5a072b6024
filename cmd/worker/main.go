// Worker runs the scheduled cleanup sweep (expiry warnings, expiration, retention deletion, stuck
// provisioning retries), serves gRPC health, and writes the audit trail from the lifecycle topic
// when Kafka is configured. With -once it runs a single sweep and exits.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"membership-platform/backend/internal/app"
	"membership-platform/backend/internal/cleanup"
	"membership-platform/backend/internal/config"
	"membership-platform/backend/internal/events"
	"membership-platform/backend/internal/health"
	"membership-platform/backend/internal/logging"
)

func main() {
	once := flag.Bool("once", false, "run one sweep and exit (needs DATABASE_URL to see the server's accounts; the in-memory store is per process)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, "worker")
	if err != nil {
		logger.Fatal("worker: wiring failed", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("worker: close", zap.Error(err))
		}
	}()

	var locker cleanup.Locker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		locker = cleanup.NewRedisLocker(rdb, "")
	}
	scheduler := cleanup.NewScheduler(a.Store, a.Engine, a.Gateway, a.Publisher, locker, cleanup.Config{
		WarningWindow:   cfg.WarningWindow(),
		Retention:       cfg.Retention(),
		Concurrency:     cfg.SweepConcurrency,
		Timeout:         cfg.SweepTimeoutDuration(),
		LockTTL:         cfg.SweepLockTTLDuration(),
		RetryStuckAfter: cfg.RetryStuckAfterDuration(),
	}, logger)

	if *once {
		sum, err := scheduler.RunOnce(ctx)
		if err != nil {
			logger.Error("worker: sweep failed", zap.Error(err))
			return
		}
		logger.Info("worker: sweep done", zap.Any("summary", sum))
		return
	}

	c, err := cleanup.NewCron(cfg.SweepCron, scheduler, logger)
	if err != nil {
		logger.Fatal("worker: cron", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.HealthGRPCAddr)
		if err != nil {
			return err
		}
		logger.Info("worker: health listening", zap.String("addr", cfg.HealthGRPCAddr))
		return health.NewServer(health.Probe(a.Ready), 0, logger).Serve(gctx, lis)
	})
	if consumer := events.NewKafkaConsumer(cfg.KafkaBrokersList(), cfg.LifecycleKafkaTopic, cfg.KafkaGroupID, a.Audit, logger); consumer != nil {
		g.Go(func() error {
			logger.Info("worker: consuming lifecycle events", zap.String("topic", cfg.LifecycleKafkaTopic))
			return consumer.Run(gctx)
		})
	}
	g.Go(func() error {
		c.Start()
		logger.Info("worker: sweep scheduled", zap.String("cron", cfg.SweepCron))
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.SweepTimeoutDuration())
		defer cancel()
		return c.Stop(stopCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("worker: stopped with error", zap.Error(err))
		return
	}
	logger.Info("worker: stopped")
}
