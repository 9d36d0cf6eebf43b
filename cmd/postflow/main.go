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
	_ "modernc.org/sqlite"

	"postflow/internal/api"
	"postflow/internal/config"
	"postflow/internal/domain"
	"postflow/internal/executor"
	"postflow/internal/publisher"
	"postflow/internal/publisher/telegram"
	"postflow/internal/publisher/webhook"
	"postflow/internal/queue"
	"postflow/internal/registry"
	"postflow/internal/stats"
	"postflow/internal/store"
)

func main() {
	var (
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		cfgPath = flag.String("config", "", "path to yaml config")
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
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
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
	st := store.NewSQLite(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New(st)
	if err := reg.Recover(ctx); err != nil {
		log.Fatal().Err(err).Msg("recover schedules")
	}
	mgr := queue.NewManager(st)
	if err := mgr.Recover(ctx); err != nil {
		log.Fatal().Err(err).Msg("recover queues")
	}

	pub := publisher.NewRegistry(cfg.PublishRatePerSec)
	for _, dc := range cfg.Destinations {
		switch dc.Type {
		case "webhook":
			pub.Register(webhook.New(dc.Name, dc.URL))
		case "telegram":
			d, err := telegram.New(dc.Name, dc.Token, dc.ChatID)
			if err != nil {
				log.Fatal().Err(err).Str("destination", dc.Name).Msg("telegram destination")
			}
			pub.Register(d)
		default:
			log.Fatal().Str("type", dc.Type).Msg("unknown destination type")
		}
	}

	for _, qc := range cfg.Queues {
		id, err := mgr.CreateQueue(ctx, queue.Config{
			Name:          qc.Name,
			Order:         domain.QueueOrder(qc.Order),
			MaxConcurrent: qc.MaxConcurrent,
			RatePerSec:    qc.RatePerSec,
			Retry: domain.RetryPolicy{
				MaxRetries:         qc.Retry.MaxRetries,
				Delay:              qc.Retry.Delay.Duration,
				ExponentialBackoff: qc.Retry.ExponentialBackoff,
				MaxDelay:           qc.Retry.MaxDelay.Duration,
				DenyClasses:        qc.Retry.DenyClasses,
				AllowClasses:       qc.Retry.AllowClasses,
			},
		})
		if err != nil {
			log.Fatal().Err(err).Str("queue", qc.Name).Msg("create queue")
		}
		log.Info().Str("queue", qc.Name).Str("id", id).Msg("queue ready")
	}

	handlers := queue.Handlers{
		Publisher: pub,
		Schedules: reg,
		Queues:    mgr,
	}
	proc := queue.NewProcessor(mgr, handlers.Map(), cfg.QueueInterval.Duration)
	go proc.Run(ctx)

	exec := executor.New(reg, pub, cfg.ScheduleInterval.Duration)
	go exec.Run(ctx)

	loc, err := time.LoadLocation(cfg.StatsTimezone)
	if err != nil {
		log.Fatal().Err(err).Str("tz", cfg.StatsTimezone).Msg("stats timezone")
	}
	agg := stats.NewAggregator(reg, mgr, loc)

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServerWithDebug(reg, mgr, proc, agg, cfg.Debug)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	exec.Stop()
	proc.Stop()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
