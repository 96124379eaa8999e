package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/relayd/internal/core/domain"
	"github.com/vietddude/relayd/internal/infra/storage"
)

// TxRepo is an in-memory storage.TransactionRepository for tests and
// database-less runs.
type TxRepo struct {
	mu  sync.RWMutex
	txs map[string]*domain.Transaction
}

// NewTxRepo creates a new in-memory transaction repository.
func NewTxRepo() *TxRepo {
	return &TxRepo{txs: make(map[string]*domain.Transaction)}
}

// Create inserts a new transaction.
func (r *TxRepo) Create(ctx context.Context, tx *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *tx
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	r.txs[tx.ID] = &cp
	return nil
}

// GetByID retrieves a transaction by id.
func (r *TxRepo) GetByID(ctx context.Context, id string) (*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tx, ok := r.txs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

// UpdateStatus updates only the status field.
func (r *TxRepo) UpdateStatus(ctx context.Context, id string, status domain.TxStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.txs[id]
	if !ok {
		return storage.ErrNotFound
	}
	tx.Status = status
	tx.UpdatedAt = time.Now()
	return nil
}

// MarkSubmitted records the relayer acknowledgment.
func (r *TxRepo) MarkSubmitted(ctx context.Context, id, externalSubmissionID, assignedEndpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.txs[id]
	if !ok {
		return storage.ErrNotFound
	}
	tx.Status = domain.TxStatusSubmitted
	tx.ExternalSubmissionID = &externalSubmissionID
	tx.AssignedEndpoint = &assignedEndpoint
	tx.UpdatedAt = time.Now()
	return nil
}

// MarkFailed sets status=failed with an error message.
func (r *TxRepo) MarkFailed(ctx context.Context, id, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.txs[id]
	if !ok {
		return storage.ErrNotFound
	}
	tx.Status = domain.TxStatusFailed
	tx.ErrorMessage = &errorMessage
	tx.UpdatedAt = time.Now()
	return nil
}

// CountByStatus returns the number of transactions in a given status.
func (r *TxRepo) CountByStatus(ctx context.Context, status domain.TxStatus) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, tx := range r.txs {
		if tx.Status == status {
			count++
		}
	}
	return count, nil
}
