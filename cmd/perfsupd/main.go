package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perfsup"
	"perfsup/internal/config"
	"perfsup/internal/logger"
	"perfsup/internal/procs"
)

func main() {
	if os.Getenv(procs.WorkerEnv) == "1" {
		runWorker()
		return
	}

	configPath := flag.String("config", "", "path to yaml configuration (defaults apply when empty)")
	flag.Parse()

	log, err := logger.NewFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Default()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Error("failed to load configuration", logger.Field{Key: "error", Value: err})
			os.Exit(1)
		}
	}

	sup, err := perfsup.New(cfg, log)
	if err != nil {
		log.Error("failed to build supervisor", logger.Field{Key: "error", Value: err})
		os.Exit(1)
	}

	ctx := context.Background()
	if err := sup.Initialize(ctx); err != nil {
		log.Error("failed to initialize supervisor", logger.Field{Key: "error", Value: err})
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	log.Info("signal received, shutting down", logger.Field{Key: "signal", Value: received.String()})

	shutdownCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown did not complete cleanly", logger.Field{Key: "error", Value: err})
		os.Exit(1)
	}
}

// runWorker is the child-process side of the supervisor: it idles until the
// parent signals it to stop.
func runWorker() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
