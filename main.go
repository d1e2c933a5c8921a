package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Graceful shutdown on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := LoadConfig(ctx)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	setLogLevel(cfg.LogLevel)

	res, err := buildResources(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init: %v", err)
	}
	runErr := run(ctx, cfg, res)
	if err := res.Close(); err != nil {
		log.Printf("error closing resources: %v", err)
	}
	if runErr != nil {
		log.Fatalf("ark stopped: %v", runErr)
	}
}

// run serves HTTP and, when enabled, polls the archive until ctx ends or
// either side fails.
func run(ctx context.Context, cfg Config, res *resources) error {
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           res.handlers.routes(promhttp.HandlerFor(res.registry, promhttp.HandlerOpts{})),
		ReadHeaderTimeout: 30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("ark listening on %s (model=%s, archive polling=%t)", cfg.Addr, cfg.Model.Name, res.poller != nil)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if res.poller != nil {
		g.Go(func() error {
			err := res.poller.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
