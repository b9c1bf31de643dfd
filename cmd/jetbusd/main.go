// jetbusd is the operational sidecar for a jetbus deployment: it
// ensures stream topology, runs the outbox recovery sweep and serves
// the health and metrics endpoints. Worker pools live in the
// application processes that register subscribers; this daemon only
// keeps the shared infrastructure healthy.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baechuer/jetbus/broker"
	"github.com/baechuer/jetbus/config"
	"github.com/baechuer/jetbus/health"
	"github.com/baechuer/jetbus/logger"
	"github.com/baechuer/jetbus/outbox"
	"github.com/baechuer/jetbus/topology"
)

func main() {
	logger.Init()

	cfg, err := config.Load()
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("configuration invalid")
	}
	logger.SetLevel(cfg.LogLevel)
	log := logger.Component("jetbusd")

	conn := broker.New(cfg)
	if _, _, err := conn.Get(); err != nil {
		log.Fatal().Err(err).Msg("broker connect failed")
	}
	defer conn.Close()

	topo := topology.New(cfg, conn, logger.Logger)
	if err := topo.SetupStreams(); err != nil {
		log.Fatal().Err(err).Msg("stream setup failed")
	}

	var (
		store   outbox.Store
		pub     *outbox.Publisher
		sweeper *outbox.Sweeper
	)
	if cfg.UseOutbox && cfg.OutboxDSN != "" {
		pool, err := pgxpool.New(context.Background(), cfg.OutboxDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("outbox pool failed")
		}
		defer pool.Close()
		store = outbox.NewPostgresStore(pool)
		pub = outbox.NewPublisher(cfg, conn, store)
		sweeper = outbox.NewSweeper(cfg, store, pub)
	}

	checker := health.NewChecker(cfg, conn, topo, store, nil)
	ops := health.NewServer(cfg.OpsAddr, checker)
	ops.Start()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if sweeper != nil {
			sweeper.Run(ctx)
		} else {
			<-ctx.Done()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info().Str("signal", s.String()).Msg("shutting down")

	cancel()
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	ops.Stop(shutdownCtx)
}
