package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	bidding "auction-engine/internal/biddingService"
	"auction-engine/internal/config"
	"auction-engine/internal/events"
	"auction-engine/internal/gate"
	"auction-engine/internal/lifecycle"
	"auction-engine/internal/metrics"
	"auction-engine/internal/repository"
	"auction-engine/internal/server"
	"auction-engine/utils"
)

const shutdownTimeout = 10 * time.Second

func main() {
	fs := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	config.Flags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		utils.Fatal("failed to load config", map[string]any{"error": err.Error()})
	}
	if err := utils.SetLevel(cfg.Log.Level); err != nil {
		utils.Fatal("invalid log level", map[string]any{"level": cfg.Log.Level, "error": err.Error()})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		utils.Fatal("auction server stopped with error", map[string]any{"error": err.Error()})
	}
	utils.Info("auction server stopped", nil)
}

func run(ctx context.Context, cfg *config.Config) error {
	met, err := metrics.New("auction", cfg.Metrics.StatsdAddr)
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	sink, closeSink, err := openSink(cfg, met)
	if err != nil {
		return err
	}
	defer closeSink()

	locker, closeLocker := openLocker(cfg)
	defer closeLocker()

	clk := clock.New()
	g := gate.New(st, sink,
		gate.WithClock(clk),
		gate.WithMetrics(met),
		gate.WithRetry(cfg.Gate.MaxRetries, cfg.Gate.RetryDelay),
		gate.WithOpTimeout(cfg.Gate.OpTimeout),
	)
	biddingSvc := bidding.NewBiddingService(st, g,
		bidding.WithClock(clk),
		bidding.WithMetrics(met),
		bidding.WithAdmins(cfg.Admins...),
	)
	sched := lifecycle.New(st, g, locker, clk, met, lifecycle.Config{
		ActivationInterval: cfg.Scheduler.ActivationInterval,
		SettlementInterval: cfg.Scheduler.SettlementInterval,
		Workers:            cfg.Scheduler.Workers,
		LockTTL:            cfg.Scheduler.Lock.TTL,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.SetupRouter(biddingSvc, met),
		ReadHeaderTimeout: 5 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return sched.Run(ctx)
	})
	eg.Go(func() error {
		utils.Info("starting auction server", map[string]any{
			"addr":         srv.Addr,
			"store":        cfg.Store.Driver,
			"events":       cfg.Events.Driver,
			"redis_locker": cfg.Scheduler.Lock.RedisURL != "",
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		utils.Info("shutting down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

// openStore connects the configured auction store
func openStore(ctx context.Context, cfg *config.Config) (repository.AuctionStore, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := repository.NewPostgresStore(ctx, cfg.Store.Postgres.URL)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case "mongo":
		mg, err := repository.NewMongoStore(ctx, cfg.Store.Mongo.URI, cfg.Store.Mongo.Database)
		if err != nil {
			return nil, nil, err
		}
		return mg, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := mg.Close(closeCtx); err != nil {
				utils.Warn("mongo disconnect failed", map[string]any{"error": err.Error()})
			}
		}, nil
	default:
		return repository.NewMemoryRepo(), func() {}, nil
	}
}

// openSink builds the event sink behind a non-blocking buffer. The returned
// func drains the buffer before closing the transport.
func openSink(cfg *config.Config, met metrics.Service) (events.Sink, func(), error) {
	var (
		next          events.Sink = events.LogSink{}
		closeTransport            = func() {}
	)
	if cfg.Events.Driver == "amqp" {
		amqpSink, err := events.NewAMQPSink(cfg.Events.AMQP.URL, cfg.Events.AMQP.Exchange)
		if err != nil {
			return nil, nil, err
		}
		next = amqpSink
		closeTransport = func() {
			if err := amqpSink.Close(); err != nil {
				utils.Warn("amqp close failed", map[string]any{"error": err.Error()})
			}
		}
	}

	async := events.NewAsyncSink(next, cfg.Events.Buffer, met)
	return async, func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := async.Close(drainCtx); err != nil {
			utils.Warn("event sink not drained", map[string]any{"error": err.Error()})
		}
		closeTransport()
	}, nil
}

// openLocker shares sweep locks through redis when configured
func openLocker(cfg *config.Config) (lifecycle.Locker, func()) {
	if cfg.Scheduler.Lock.RedisURL == "" {
		return lifecycle.NewLocalLocker(), func() {}
	}
	rl := lifecycle.NewRedisLocker(cfg.Scheduler.Lock.RedisURL)
	return rl, func() {
		if err := rl.Close(); err != nil {
			utils.Warn("redis locker close failed", map[string]any{"error": err.Error()})
		}
	}
}
