// Command chatstub runs the in-memory development chat server. It exists so
// the client can be developed and demonstrated without a portal deployment.
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

	"github.com/portalhq/portalchat/internal/log"
	"github.com/portalhq/portalchat/internal/stubserver"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", ":8080", "listen address")
	secret := flag.String("secret", "", "token signing secret (default from CHATSTUB_SECRET)")
	level := flag.String("log-level", "info", "debug, info, warn, or error")
	flag.Parse()

	logger := log.New(*level, os.Stderr)

	if *secret == "" {
		*secret = os.Getenv("CHATSTUB_SECRET")
	}
	if *secret == "" {
		*secret = "dev-secret"
		logger.Warn().Msg("using built-in dev secret; set --secret for anything shared")
	}

	srv := stubserver.New(*secret, logger)
	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info().Str("addr", *addr).Msg("chat stub listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("shutdown incomplete")
	}
}
