package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/attuneaudio/attune/internal/config"
	"github.com/attuneaudio/attune/internal/gateway"
	"github.com/attuneaudio/attune/internal/relay"
	"github.com/attuneaudio/attune/internal/room"
	"github.com/attuneaudio/attune/internal/timeauth"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	flag.Parse()

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("addr", cfg.Server.Addr).
		Int("scheduling_lead_ms", cfg.Room.SchedulingLeadMs).
		Str("nats_url", cfg.Relay.NATSURL).
		Msg("starting attune server")

	clock := clockwork.NewRealClock()
	connectionManager := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())

	// Optional cross-node fanout over NATS.
	var sink room.EventSink
	var eventRelay *relay.Relay
	if cfg.Relay.NATSURL != "" {
		relayCfg := relay.DefaultConfig()
		relayCfg.URL = cfg.Relay.NATSURL
		relayCfg.SubjectPrefix = cfg.Relay.SubjectPrefix
		eventRelay, err = relay.New(relayCfg, connectionManager)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect event relay")
		}
		sink = eventRelay
	}

	rooms := room.NewManager(
		room.Config{SchedulingLead: time.Duration(cfg.Room.SchedulingLeadMs) * time.Millisecond},
		connectionManager,
		sink,
		clock,
		log.Logger,
	)
	authority := timeauth.New(clock)
	gatewayService := gateway.NewService(connectionManager, rooms, authority)

	mux := http.NewServeMux()
	gatewayService.RegisterRoutes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      corsHandler.Handler(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go gatewayService.Start(ctx)

	if eventRelay != nil {
		go func() {
			if err := eventRelay.Start(ctx); err != nil {
				log.Error().Err(err).Msg("event relay failed")
			}
		}()
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
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

	log.Info().Msg("attune server shutdown complete")
}
