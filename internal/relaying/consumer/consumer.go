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
	"github.com/vietddude/relayd/internal/infra/relayer"
	"github.com/vietddude/relayd/internal/infra/storage"
	"github.com/vietddude/relayd/internal/relaying/classify"
	"github.com/vietddude/relayd/internal/relaying/metrics"
	"github.com/vietddude/relayd/internal/relaying/router"
)

// Selector picks dispatch targets. Implemented by router.Router.
type Selector interface {
	SelectEndpoint(ctx context.Context) (router.Selection, error)
	Invalidate(endpoint string)
}

// Dispatcher submits a transaction to one relayer. Implemented by the relayer
// pool client.
type Dispatcher interface {
	Send(ctx context.Context, endpoint, relayerID string, req relayer.SendRequest) (string, error)
}

// Config holds main consumer settings.
type Config struct {
	BatchSize    int               `yaml:"batch_size"`
	WaitTime     timeutil.Duration `yaml:"wait_time"`
	PollInterval timeutil.Duration `yaml:"poll_interval"`
	Speed        string            `yaml:"speed"`
}

// DefaultConfig returns default consumer configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:    10,
		WaitTime:     timeutil.Duration(5 * time.Second),
		PollInterval: timeutil.Duration(time.Second),
		Speed:        "fast",
	}
}

// Consumer drains the main queue: per message it enforces the idempotency
// gate, asks the router for a target, dispatches fire-and-forget, persists
// the acknowledgment and only then deletes the message. Anything that fails
// before the delete is redelivered by the transport.
type Consumer struct {
	queue      queue.Queue
	repo       storage.TransactionRepository
	router     Selector
	dispatcher Dispatcher
	cfg        Config
	log        *slog.Logger
}

// New creates the main queue consumer.
func New(q queue.Queue, repo storage.TransactionRepository, sel Selector, d Dispatcher, cfg Config) *Consumer {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = timeutil.Duration(time.Second)
	}
	if cfg.Speed == "" {
		cfg.Speed = "fast"
	}
	return &Consumer{
		queue:      q,
		repo:       repo,
		router:     sel,
		dispatcher: d,
		cfg:        cfg,
		log:        slog.Default().With("component", "consumer"),
	}
}

// Run starts the poll-sleep loop. It polls immediately, then waits the
// configured interval between iterations; an in-flight batch finishes after
// cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("Starting main queue consumer")

	for {
		select {
		case <-ctx.Done():
			c.log.Info("Main queue consumer stopped")
			return nil
		default:
		}

		if err := c.ProcessOnce(ctx); err != nil {
			c.log.Error("Failed to poll main queue", "error", err)
		}

		select {
		case <-ctx.Done():
			c.log.Info("Main queue consumer stopped")
			return nil
		case <-time.After(c.cfg.PollInterval.Std()):
		}
	}
}

// ProcessOnce pulls one batch and processes its messages sequentially.
// Sequential processing keeps two messages for the same transaction from
// racing within a batch. A message failure never aborts its siblings.
func (c *Consumer) ProcessOnce(ctx context.Context) error {
	msgs, err := c.queue.Receive(ctx, c.cfg.BatchSize, c.cfg.WaitTime.Std())
	if err != nil {
		return fmt.Errorf("receive failed: %w", err)
	}

	for _, msg := range msgs {
		c.handleMessage(ctx, msg)
	}
	return nil
}

func (c *Consumer) handleMessage(ctx context.Context, msg queue.Message) {
	var body domain.QueueMessage
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		// Left undeleted so a malformed body surfaces in the DLQ instead of
		// vanishing.
		c.log.Error("Malformed queue message", "messageId", msg.ID, "error", err)
		return
	}

	log := c.log.With("transactionId", body.TransactionID, "receiveCount", msg.ReceiveCount)

	tx, err := c.repo.GetByID(ctx, body.TransactionID)
	if err != nil {
		// A missing row and a transient read failure look the same here;
		// redelivery retries both and the receive ceiling bounds the loop.
		log.Warn("Failed to load transaction, leaving for redelivery", "error", err)
		return
	}

	if tx.Status.IsTerminal() {
		log.Info("Transaction already terminal, dropping message", "status", tx.Status)
		c.delete(ctx, msg, log)
		return
	}

	if tx.ExternalSubmissionID != nil {
		// Idempotency gate: a prior attempt dispatched but the delete never
		// landed. Never dispatch twice.
		log.Info("Transaction already dispatched, dropping message",
			"externalSubmissionId", *tx.ExternalSubmissionID)
		metrics.IdempotentSkipsTotal.Inc()
		c.delete(ctx, msg, log)
		return
	}

	// Best-effort marker to shrink the duplicate-dispatch window; not a lock.
	if err := c.repo.UpdateStatus(ctx, tx.ID, domain.TxStatusProcessing); err != nil {
		log.Warn("Failed to mark processing", "error", err)
	}

	sel, err := c.router.SelectEndpoint(ctx)
	if err != nil {
		log.Error("Routing failed, leaving for redelivery", "error", err)
		return
	}

	sendReq, err := c.buildSendRequest(&body)
	if err != nil {
		log.Error("Unusable request payload, leaving for redelivery", "error", err)
		return
	}

	externalID, err := c.dispatcher.Send(ctx, sel.Endpoint, sel.RelayerID, sendReq)
	if err != nil {
		c.router.Invalidate(sel.Endpoint)
		result := classify.Classify(err)
		metrics.DispatchesTotal.WithLabelValues(sel.Endpoint, "error").Inc()
		log.Error("Dispatch failed, leaving for redelivery",
			"endpoint", sel.Endpoint, "category", result.Category,
			"reason", result.Reason, "error", err)
		return
	}

	metrics.DispatchesTotal.WithLabelValues(sel.Endpoint, "success").Inc()

	if err := c.repo.MarkSubmitted(ctx, tx.ID, externalID, sel.Endpoint); err != nil {
		// Dispatch succeeded but persistence didn't. The message stays, the
		// retry is redundant and the idempotency layer must absorb it.
		log.Error("Dispatched but failed to persist submission",
			"externalSubmissionId", externalID, "endpoint", sel.Endpoint, "error", err)
		return
	}

	log.Info("Transaction submitted",
		"externalSubmissionId", externalID, "endpoint", sel.Endpoint, "relayerId", sel.RelayerID)
	c.delete(ctx, msg, log)
}

func (c *Consumer) delete(ctx context.Context, msg queue.Message, log *slog.Logger) {
	if err := c.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		// Redelivery hits the idempotency gate, so this is noisy but safe.
		log.Error("Failed to delete message", "messageId", msg.ID, "error", err)
	}
}

// directPayload mirrors the relayer submission shape.
type directPayload struct {
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value"`
	GasLimit uint64 `json:"gas_limit"`
	Speed    string `json:"speed"`
}

// gaslessPayload carries pre-encoded forwarder calldata; encoding happens in
// the gateway before enqueue.
type gaslessPayload struct {
	Data     string `json:"data"`
	GasLimit uint64 `json:"gas_limit"`
	Speed    string `json:"speed"`
}

func (c *Consumer) buildSendRequest(msg *domain.QueueMessage) (relayer.SendRequest, error) {
	switch msg.Type {
	case domain.TxTypeDirect:
		var p directPayload
		if err := json.Unmarshal(msg.Request, &p); err != nil {
			return relayer.SendRequest{}, fmt.Errorf("invalid direct payload: %w", err)
		}
		req := relayer.SendRequest{
			To: p.To, Data: p.Data, Value: p.Value, GasLimit: p.GasLimit, Speed: p.Speed,
		}
		if req.Speed == "" {
			req.Speed = c.cfg.Speed
		}
		return req, nil

	case domain.TxTypeGasless:
		if msg.ForwarderAddress == "" {
			return relayer.SendRequest{}, fmt.Errorf("gasless transaction without forwarder address")
		}
		var p gaslessPayload
		if err := json.Unmarshal(msg.Request, &p); err != nil {
			return relayer.SendRequest{}, fmt.Errorf("invalid gasless payload: %w", err)
		}
		req := relayer.SendRequest{
			To: msg.ForwarderAddress, Data: p.Data, Value: "0", GasLimit: p.GasLimit, Speed: p.Speed,
		}
		if req.Speed == "" {
			req.Speed = c.cfg.Speed
		}
		return req, nil

	default:
		return relayer.SendRequest{}, fmt.Errorf("unknown transaction type %q", msg.Type)
	}
}
