package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/relayd/internal/core/domain"
	"github.com/vietddude/relayd/internal/core/timeutil"
	"github.com/vietddude/relayd/internal/infra/queue"
	"github.com/vietddude/relayd/internal/infra/storage"
	"github.com/vietddude/relayd/internal/relaying/metrics"
)

const (
	// ReasonMaxRetries finalizes a transaction whose message exhausted the
	// main queue's receive ceiling.
	ReasonMaxRetries = "DLQ: Max retries exceeded"
	// ReasonRetryNotImplemented marks the placeholder path for
	// retryOnFailure=true; reprocessing does not exist yet, the distinct
	// reason keeps those records findable when it does.
	ReasonRetryNotImplemented = "DLQ: Retry requested but reprocessing is not implemented"
)

// DLQConfig holds dead-letter consumer settings.
type DLQConfig struct {
	BatchSize    int               `yaml:"batch_size"`
	WaitTime     timeutil.Duration `yaml:"wait_time"`
	PollInterval timeutil.Duration `yaml:"poll_interval"`
}

// DefaultDLQConfig returns default DLQ consumer configuration.
func DefaultDLQConfig() DLQConfig {
	return DLQConfig{
		BatchSize:    10,
		WaitTime:     timeutil.Duration(5 * time.Second),
		PollInterval: timeutil.Duration(10 * time.Second),
	}
}

// DLQConsumer finalizes transactions whose messages fell out of the main
// pipeline. Its one hard invariant: every handled message gets deleted, even
// when the bookkeeping write fails. A lost failure annotation is better than
// an unbounded dead-letter backlog.
type DLQConsumer struct {
	queue queue.Queue
	repo  storage.TransactionRepository
	cfg   DLQConfig
	log   *slog.Logger
}

// NewDLQ creates the dead-letter queue consumer.
func NewDLQ(q queue.Queue, repo storage.TransactionRepository, cfg DLQConfig) *DLQConsumer {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = timeutil.Duration(10 * time.Second)
	}
	return &DLQConsumer{
		queue: q,
		repo:  repo,
		cfg:   cfg,
		log:   slog.Default().With("component", "dlq-consumer"),
	}
}

// Run starts the poll-sleep loop against the dead-letter queue.
func (c *DLQConsumer) Run(ctx context.Context) error {
	c.log.Info("Starting DLQ consumer")

	for {
		select {
		case <-ctx.Done():
			c.log.Info("DLQ consumer stopped")
			return nil
		default:
		}

		if err := c.ProcessOnce(ctx); err != nil {
			c.log.Error("Failed to poll DLQ", "error", err)
		}

		select {
		case <-ctx.Done():
			c.log.Info("DLQ consumer stopped")
			return nil
		case <-time.After(c.cfg.PollInterval.Std()):
		}
	}
}

// ProcessOnce pulls one batch from the DLQ and finalizes each message.
func (c *DLQConsumer) ProcessOnce(ctx context.Context) error {
	msgs, err := c.queue.Receive(ctx, c.cfg.BatchSize, c.cfg.WaitTime.Std())
	if err != nil {
		return fmt.Errorf("receive failed: %w", err)
	}

	for _, msg := range msgs {
		c.handleMessage(ctx, msg)
	}
	return nil
}

func (c *DLQConsumer) handleMessage(ctx context.Context, msg queue.Message) {
	// Whatever happens below, the message goes.
	defer func() {
		if err := c.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
			// The transport's visibility timeout will present it again.
			c.log.Error("CRITICAL: failed to delete DLQ message",
				"messageId", msg.ID, "error", err)
		}
	}()

	var body domain.QueueMessage
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		c.log.Error("Malformed DLQ message, dropping", "messageId", msg.ID, "error", err)
		return
	}

	log := c.log.With("transactionId", body.TransactionID)

	tx, err := c.repo.GetByID(ctx, body.TransactionID)
	if err != nil {
		log.Error("Failed to load transaction for DLQ finalization", "error", err)
		return
	}

	if tx.Status.IsTerminal() {
		log.Info("Transaction already terminal, dropping DLQ message", "status", tx.Status)
		return
	}

	// NULL retry_on_failure predates the column; treated as false.
	reason := ReasonMaxRetries
	retryFlag := "false"
	if tx.ShouldRetryOnFailure() {
		reason = ReasonRetryNotImplemented
		retryFlag = "true"
	}

	if err := c.repo.MarkFailed(ctx, tx.ID, reason); err != nil {
		log.Error("Failed to finalize DLQ transaction, dropping message anyway",
			"reason", reason, "error", err)
		return
	}

	metrics.DLQFinalizedTotal.WithLabelValues(retryFlag).Inc()
	log.Info("Transaction finalized from DLQ", "reason", reason)
}
