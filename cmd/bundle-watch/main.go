package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/trial-bundler/internal/watch"
	"github.com/cuongbtq/trial-bundler/shared/logger"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	_ = godotenv.Load()

	serverURL := flag.String("server", envOr("BUNDLE_WATCH_SERVER", "http://localhost:8080"), "Base URL of the api-service")
	authToken := flag.String("token", os.Getenv("BUNDLE_WATCH_TOKEN"), "Channel auth token")
	heartbeat := flag.Duration("heartbeat", 25*time.Second, "Heartbeat interval")
	maxReconnects := flag.Int("max-reconnects", 5, "Consecutive failed connects before giving up")
	reconnectDelay := flag.Duration("reconnect-delay", time.Second, "Base reconnect delay")
	level := flag.String("log-level", "info", "Log level")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <bundle-id>...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		return fmt.Errorf("no bundle ids given")
	}

	appLogger := logger.NewDefault()
	if *level != "info" {
		l, err := logger.New(&logger.Config{Level: *level, Format: "console", TimeFormat: time.TimeOnly})
		if err != nil {
			return err
		}
		appLogger = l
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := watch.New(&watch.Config{
		Logger:               appLogger.Logger,
		ServerURL:            *serverURL,
		AuthToken:            *authToken,
		BundleIDs:            flag.Args(),
		HeartbeatInterval:    *heartbeat,
		MaxReconnectAttempts: *maxReconnects,
		ReconnectBaseDelay:   *reconnectDelay,
	})
	if err != nil {
		return err
	}

	return w.Run(ctx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
