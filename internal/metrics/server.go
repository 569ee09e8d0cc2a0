package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"codeberg.org/mutker/telemetryd/internal/errors"
	"codeberg.org/mutker/telemetryd/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// Handler exposes the registry in the prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Serve listens on cfg.ListenAddr and serves the registry at cfg.Path until
// ctx is canceled.
func Serve(ctx context.Context, cfg Config, gatherer prometheus.Gatherer, log logger.Logger) error {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return errFactory.WithData(ErrServeFailed, struct {
			Phase string
			Addr  string
			Error string
		}{
			Phase: "listen",
			Addr:  cfg.ListenAddr,
			Error: err.Error(),
		})
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, Handler(gatherer))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	log.Info().
		Str("addr", listener.Addr().String()).
		Str("path", cfg.Path).
		Msg("Serving metrics")

	select {
	case err := <-errCh:
		return errFactory.Wrap(ErrServeFailed, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errFactory.Wrap(ErrServeShutdown, err)
	}
	return nil
}
