package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"work-orchestrator/internal/api"
	"work-orchestrator/internal/archive"
	"work-orchestrator/internal/config"
	"work-orchestrator/internal/intake"
	"work-orchestrator/internal/logger"
	"work-orchestrator/internal/queue"
	"work-orchestrator/internal/ratelimit"
	"work-orchestrator/internal/reconcile"
	"work-orchestrator/internal/schedule"
	"work-orchestrator/internal/session"
	"work-orchestrator/internal/store"
)

func main() {
	configFile := flag.String("config", "", "TOML config file")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintln(os.Stderr, "api:", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cfg.LogOutput})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	advance, err := schedule.NewAdvancer(cfg.ScheduleAdvance)
	if err != nil {
		return err
	}

	feed := queue.NewFeed(rdb, cfg.FeedPrefix, cfg.FeedChannel)
	svc := intake.New(st, log, intake.WithAnnouncer(feed))
	deps := api.Deps{
		Queue:    svc,
		Executor: schedule.NewExecutor(st, svc, advance, log),
		Tickets:  st,
		Sessions: session.NewStore(rdb, cfg.SessionPrefix),
		Feed:     feed,
	}
	if cfg.RateLimitCapacity > 0 {
		deps.Limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill)
	}
	arc, err := archive.New(ctx, cfg)
	if err != nil {
		return err
	}
	if arc != nil {
		deps.Archive = arc
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(cfg, deps, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	sweeper := reconcile.NewSweeper(st, cfg.OrphanGrace, cfg.OrphanSweepInterval, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", logger.F("port", cfg.HTTPPort), logger.F("env", cfg.Env))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := sweeper.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("api stopped", err)
		return err
	}
	log.Info("api stopped")
	return nil
}
