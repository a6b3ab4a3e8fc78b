package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/api"
	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/config"
	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/notify"
	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/registry"
	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/router"
	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/sink"
	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/store"
	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/sweep"
)

func main() {
	var (
		cfgPath  = flag.String("config", "", "YAML config file (optional)")
		addr     = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath   = flag.String("db", "", "SQLite DB path (overrides config)")
		interval = flag.Duration("sweep", 0, "deadline sweep interval (overrides config)")
		debug    = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *interval > 0 {
		cfg.SweepInterval = *interval
	}
	if *debug {
		cfg.Debug = true
	}
	if !cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	taskStore := store.New(db, cfg.StoreTimeout)
	queues := registry.NewQueues(db, cfg.StoreTimeout, cfg.CacheTTL)
	subs := registry.NewSubscriptions(db, queues, cfg.StoreTimeout, cfg.CacheTTL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := queues.EnsureDefault(ctx, cfg.DefaultAdmin); err != nil {
		log.Fatal().Err(err).Msg("ensure default queue")
	}
	if cfg.QueueSeedFile != "" {
		seed, err := config.LoadSeed(cfg.QueueSeedFile)
		if err != nil {
			log.Fatal().Err(err).Msg("load queue seed")
		}
		if err := config.ApplySeed(ctx, queues, seed); err != nil {
			log.Fatal().Err(err).Msg("apply queue seed")
		}
		log.Info().Int("queues", len(seed)).Str("path", cfg.QueueSeedFile).Msg("queue seed applied")
	}

	sinks := []notify.Sink{sink.Log{}}
	if cfg.NotifyWebhook != "" {
		sinks = append(sinks, sink.NewWebhook(cfg.NotifyWebhook, cfg.StoreTimeout))
	}
	dispatcher := notify.NewDispatcher(queues, subs, sinks, cfg.NotifyBuffer, cfg.NotifyWorkers)

	tasks := router.New(taskStore, queues, dispatcher)

	sweeper, err := sweep.NewService(taskStore, dispatcher, sweep.Config{
		Interval: cfg.SweepInterval,
		Cron:     cfg.SweepCron,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build sweeper")
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServer(tasks, queues, subs, sweeper)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sweeper.Start(gctx)
		return nil
	})
	if cfg.QueueSeedFile != "" {
		g.Go(func() error {
			return config.WatchSeed(gctx, cfg.QueueSeedFile, queues)
		})
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	select {
	case <-c:
		log.Info().Msg("shutting down")
	case <-gctx.Done():
	}
	cancel()

	shutdownCtx, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(shutdownCtx)

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("shutdown")
	}
}
