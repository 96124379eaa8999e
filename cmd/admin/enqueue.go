package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/relayd/internal/control"
	"github.com/vietddude/relayd/internal/core/config"
	"github.com/vietddude/relayd/internal/core/domain"
	"github.com/vietddude/relayd/internal/relaying/producer"
)

// One-shot enqueue tool: pushes a single transaction into the relay pipeline
// without going through the HTTP gateway.
func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	txType := flag.String("type", "direct", "Transaction type: direct or gasless")
	payload := flag.String("request", "", "Request payload JSON")
	forwarder := flag.String("forwarder", "", "Forwarder address (gasless only)")
	retry := flag.Bool("retry-on-failure", false, "Request reprocessing on terminal failure")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found")
	}

	if *payload == "" {
		fmt.Fprintln(os.Stderr, "usage: enqueue -request '<json>' [-type direct|gasless] [-forwarder 0x...]")
		os.Exit(2)
	}
	if !json.Valid([]byte(*payload)) {
		fmt.Fprintln(os.Stderr, "request payload is not valid JSON")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	slogLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		slogLevel = slog.LevelDebug
	}
	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})

	app, err := control.NewService(*cfg)
	if err != nil {
		slog.Error("Failed to initialize relay service", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := app.Producer().Enqueue(ctx, producer.EnqueueRequest{
		Type:             domain.TxType(*txType),
		Request:          json.RawMessage(*payload),
		ForwarderAddress: *forwarder,
		RetryOnFailure:   *retry,
	})
	if err != nil {
		slog.Error("Enqueue failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Enqueued %s (status=%s)\n", result.TransactionID, result.Status)
}
