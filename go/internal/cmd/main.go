package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if getEnvAsBool("DEBUG", false) {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	configPath := getEnv("CONFIG_PATH", "")
	var config *Config
	var err error
	if configPath != "" {
		config, err = loadConfig(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		config = defaultConfig()
	}

	if config.Session.ID == "" || config.Session.ParticipantID == "" {
		log.Fatal().Msg("SESSION_ID and PARTICIPANT_ID are required")
	}

	log.Info().
		Str("session_id", config.Session.ID).
		Str("participant_id", config.Session.ParticipantID).
		Str("server", config.Server.BaseURL).
		Str("transport", config.Transport.Kind).
		Msg("starting session agent")

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, err := setupServices(ctx, config)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up services")
	}

	// Run the session client event loop
	go func() {
		if err := services.Client.Run(ctx); err != nil {
			log.Error().Err(err).Msg("session client failed")
		}
	}()

	// Initial sync so state is populated before the first push arrives
	if err := services.Client.Resync(ctx); err != nil {
		log.Error().Err(err).Msg("initial resync failed")
	}

	// Start the snapshot poller safety net
	go services.Poller.Run(ctx)

	// Start the inspect server
	if services.Inspect != nil {
		go func() {
			log.Info().Str("addr", services.Inspect.Addr).Msg("inspect server starting")
			if err := services.Inspect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("inspect server failed")
			}
		}()
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if services.Inspect != nil {
		if err := services.Inspect.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("inspect server shutdown failed")
		}
	}

	cancel()
	services.Client.Stop()
	if services.Recorder != nil {
		services.Recorder.Stop()
	}

	log.Info().Msg("session agent shutdown complete")
}
