package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goexp/internal/config"
	"goexp/internal/container"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	appConfig, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appContainer, err := container.New(appConfig)
	if err != nil {
		log.Fatalf("Failed to create application container: %v", err)
	}
	if err := appContainer.Open(ctx); err != nil {
		log.Fatalf("Failed to initialize container: %v", err)
	}
	defer appContainer.Shutdown(context.Background())

	if err := appContainer.Migrate(ctx); err != nil {
		log.Fatalf("Database migration failed: %v", err)
	}

	// Metrics and pprof share the default mux
	http.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: appConfig.Metrics.Addr, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf("Metrics server listening on %s", appConfig.Metrics.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics server failed: %v", err)
		}
	}()

	log.Printf("Auto-winner sweep every %s", appConfig.AutoWinner.Interval)
	if err := appContainer.AutoWatch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Auto-winner watcher stopped: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Metrics server shutdown: %v", err)
	}
	log.Println("Shutdown complete")
}
