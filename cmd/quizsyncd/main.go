package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quizarena/quizsync/internal/config"
	"github.com/quizarena/quizsync/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server.CheckHostDrift(cfg.Server.NTPServer)

	reg := prometheus.NewRegistry()
	metrics := server.NewMetrics(reg)

	hub := server.NewHub(server.DefaultConnectionConfig(), clockwork.NewRealClock(), metrics)
	go hub.Run(ctx)

	announcerCfg := server.DefaultAnnouncerConfig()
	announcerCfg.URL = cfg.NATS.URL
	announcerCfg.SubjectPrefix = cfg.NATS.SubjectPrefix

	announcer, err := server.NewAnnouncer(hub, announcerCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer announcer.Stop()
	go func() {
		if err := announcer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("announcer stopped")
		}
	}()

	handler := server.NewHandler(hub)
	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: handler.Routes(reg),
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("quizsyncd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}
}
