package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ooeygg/bitcoin-docker/internal/stack"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the stack and supervise it until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runUp,
}

func init() {
	rootCmd.AddCommand(upCmd)
}

func runUp(cmd *cobra.Command, _ []string) error {
	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := stack.New(stackOptions())
	if err != nil {
		return err
	}
	defer s.Close()

	srv := &http.Server{Addr: flagHTTPAddr, Handler: s.Router()}
	go func() {
		log.Info().Str("addr", flagHTTPAddr).Msg("control api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("control api server")
		}
	}()

	if err := s.Up(ctx); err != nil {
		shutdownServer(srv)
		return err
	}

	// Block until shutdown signal
	<-ctx.Done()
	log.Info().Msg("shutdown signal received, stopping stack")

	downCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	err = s.Down(downCtx)
	shutdownServer(srv)
	return err
}

func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
}
