package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/satopon/satopon/internal/api"
	"github.com/satopon/satopon/internal/cache"
	"github.com/satopon/satopon/internal/events"
	"github.com/satopon/satopon/internal/gateway"
	"github.com/satopon/satopon/internal/ledger"
	"github.com/satopon/satopon/internal/relay"
	"github.com/satopon/satopon/internal/rooms"
	"github.com/satopon/satopon/internal/rounds"
	"github.com/satopon/satopon/internal/settlements"
	"github.com/satopon/satopon/internal/timeout"
)

// eventNotifier is the push surface shared by the engines. Locally it is the
// connection manager; with NATS enabled it is the relay publisher.
type eventNotifier interface {
	Send(uid string, ev events.Event) bool
	Broadcast(members []string, ev events.Event)
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	db, err := sql.Open("postgres", cfg.dsn())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rooms.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate rooms schema")
	}
	if err := ledger.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate ledger schema")
	}

	log.Info().
		Str("database", cfg.Database.Name).
		Str("port", cfg.Server.Port).
		Bool("nats", cfg.NATS.Enabled).
		Msg("starting satopon server")

	clock := clockwork.NewRealClock()
	mem := cache.NewMemory(clock)
	ledgerRepo := ledger.NewRepository(db)
	roomRepo := rooms.NewRepository(db)

	manager := gateway.NewConnectionManager(gateway.DefaultConnectionConfig(), mem)

	var notifier eventNotifier = manager
	if cfg.NATS.Enabled {
		streamCfg := relay.DefaultJetStreamConfig()
		streamCfg.URL = cfg.NATS.URL

		publisher, err := relay.NewPublisher(streamCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create event publisher")
		}
		defer publisher.Close()

		consumer, err := relay.NewConsumer(manager, streamCfg, relay.DefaultConsumerConfig())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create event consumer")
		}
		defer consumer.Close()

		go func() {
			if err := consumer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("event consumer failed")
			}
		}()

		notifier = publisher
	}

	watchdogs := timeout.New(clock, cfg.roundTimeout())
	defer watchdogs.Close()

	roundEngine := rounds.NewEngine(mem, ledgerRepo, roomRepo, manager, notifier, watchdogs)
	settlementEngine := settlements.NewEngine(mem, ledgerRepo, roomRepo, notifier)
	manager.SetRoundControl(roundEngine)

	apiHandler := api.NewHandler(roundEngine, settlementEngine, ledgerRepo, roomRepo)
	wsHandler := gateway.NewWebSocketHandler(manager)
	server := setupServer(cfg, apiHandler, wsHandler)

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	cancel()

	log.Info().Msg("satopon server shutdown complete")
}
