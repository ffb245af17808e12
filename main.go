package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"kvgate/internal/config"
	"kvgate/internal/metrics"
	"kvgate/internal/server"
)

func main() {
	cfg := config.Load()
	kv := server.New(cfg.Server)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wsSrv *http.Server
	if cfg.WSAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", kv.HandleWS)
		wsSrv = &http.Server{
			Addr:              cfg.WSAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		go func() {
			log.Printf("websocket gateway listening on %s", cfg.WSAddr)
			if err := wsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("websocket gateway stopped: %v", err)
			}
		}()
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("metrics listening on %s", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
	}

	log.Printf("kvgate listening on %s (limits: %d per address, %d total)",
		cfg.Addr, cfg.Server.MaxConnsPerAddr, cfg.Server.MaxConns)
	if err := kv.ListenAndServe(ctx, cfg.Addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if wsSrv != nil {
		if err := wsSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("websocket gateway shutdown failed: %v", err)
		}
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("metrics server shutdown failed: %v", err)
		}
	}

	log.Printf("server shut down cleanly")
}
