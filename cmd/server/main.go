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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/callsig/internal/adapters/http"
	"github.com/dkeye/callsig/internal/adapters/rtc"
	"github.com/dkeye/callsig/internal/adapters/store"
	"github.com/dkeye/callsig/internal/app"
	"github.com/dkeye/callsig/internal/app/orch"
	"github.com/dkeye/callsig/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	history, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open store")
	}
	defer history.Close()

	o := orch.New(orch.Config{
		RingTimeout:     cfg.RingTimeout,
		IdleTimeout:     cfg.IdleTimeout,
		SweepInterval:   cfg.SweepInterval,
		MaxParticipants: cfg.MaxParticipants,
	}, orch.Deps{
		History:        history,
		Directory:      history,
		Policy:         app.SimplePolicy{},
		ValidateSignal: rtc.ValidateSignal,
	})

	r := router.SetupRouter(ctx, cfg, o, history)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("callsig server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return o.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		// end calls and drop sockets first; hijacked connections are not
		// tracked by Shutdown
		o.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		return
	}
	log.Info().Msg("server exited gracefully")
}
