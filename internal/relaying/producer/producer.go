package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/relayd/internal/core/domain"
	"github.com/vietddude/relayd/internal/infra/queue"
	"github.com/vietddude/relayd/internal/infra/storage"
	"github.com/vietddude/relayd/internal/relaying/metrics"
)

// ErrQueueUnavailable is surfaced to the caller when the publish phase fails.
// The caller must never see a "queued" success for a message that was not
// actually published.
var ErrQueueUnavailable = errors.New("transaction queue unavailable")

// EnqueueRequest is a validated transaction intent from the gateway.
type EnqueueRequest struct {
	Type             domain.TxType
	Request          json.RawMessage
	ForwarderAddress string
	RetryOnFailure   bool
}

// EnqueueResult is the synchronous response to the caller.
type EnqueueResult struct {
	TransactionID string          `json:"transaction_id"`
	Status        domain.TxStatus `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Producer accepts transaction intents and moves them onto the main queue
// with a persist-then-publish two-phase commit.
type Producer struct {
	repo  storage.TransactionRepository
	queue queue.Queue
	log   *slog.Logger
}

// New creates a Producer.
func New(repo storage.TransactionRepository, q queue.Queue) *Producer {
	return &Producer{
		repo:  repo,
		queue: q,
		log:   slog.Default().With("component", "producer"),
	}
}

// Enqueue persists the transaction as queued, then publishes it. A publish
// failure rolls the row back to failed; if that rollback also fails the row
// stays queued, observable via status queries, and the caller still gets an
// error.
func (p *Producer) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	retry := req.RetryOnFailure
	tx := &domain.Transaction{
		ID:               uuid.NewString(),
		Type:             req.Type,
		Status:           domain.TxStatusQueued,
		Request:          req.Request,
		ForwarderAddress: req.ForwarderAddress,
		RetryOnFailure:   &retry,
		CreatedAt:        time.Now(),
	}

	if err := p.repo.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to persist transaction: %w", err)
	}

	body, err := json.Marshal(domain.QueueMessage{
		TransactionID:    tx.ID,
		Type:             tx.Type,
		Request:          tx.Request,
		ForwarderAddress: tx.ForwarderAddress,
		RetryOnFailure:   retry,
	})
	if err != nil {
		// Nothing was queued; roll the row back before surfacing.
		p.rollback(ctx, tx.ID, err)
		return nil, fmt.Errorf("failed to encode queue message: %w", err)
	}

	if err := p.queue.Send(ctx, body); err != nil {
		p.rollback(ctx, tx.ID, err)
		return nil, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}

	metrics.EnqueuedTotal.WithLabelValues(string(tx.Type)).Inc()
	p.log.Info("Transaction enqueued", "transactionId", tx.ID, "type", tx.Type)

	return &EnqueueResult{
		TransactionID: tx.ID,
		Status:        domain.TxStatusQueued,
		CreatedAt:     tx.CreatedAt,
	}, nil
}

func (p *Producer) rollback(ctx context.Context, id string, cause error) {
	metrics.EnqueueRollbacksTotal.Inc()
	reason := fmt.Sprintf("enqueue failed: %v", cause)
	if err := p.repo.MarkFailed(ctx, id, reason); err != nil {
		// The row stays in queued; it is not lost, status queries still see
		// it, but it needs manual cleanup.
		metrics.EnqueueRollbackFailuresTotal.Inc()
		p.log.Error("Enqueue rollback failed, transaction left in queued",
			"transactionId", id, "publishError", cause, "rollbackError", err)
		return
	}
	p.log.Warn("Enqueue rolled back to failed", "transactionId", id, "error", cause)
}
