package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"election-ledger/api"
	"election-ledger/config"
	"election-ledger/encryption"
	"election-ledger/service"
)

func main() {
	cfg, err := config.Load(os.Args[1:], ".env")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.SetupLogger(); err != nil {
		log.Fatal().Err(err).Msg("failed to set up logging")
	}

	svc, err := service.NewElectionService(service.Options{
		StorageDir:  cfg.StorageDir,
		Difficulty:  cfg.Difficulty,
		ArchiveKeep: cfg.ArchiveKeep,
		StrictTally: cfg.StrictTally,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize election service")
	}

	sequencer := service.NewSequencer(svc, cfg.QueueSize, cfg.ProcessingDelay)
	sequencer.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	server := api.NewServer(svc, sequencer, encryption.NewCryptoService())
	err = server.Run(ctx, fmt.Sprintf(":%d", cfg.Port))
	sequencer.Stop()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("server shutdown completed")
}
