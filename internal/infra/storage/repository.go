package storage

import (
	"context"
	"errors"

	"github.com/vietddude/relayd/internal/core/domain"
)

var (
	// ErrNotFound is returned when a transaction doesn't exist
	ErrNotFound = errors.New("transaction not found")
)

// TransactionRepository handles persistent transaction state. Updates are
// targeted field writes keyed by transaction id; no method rewrites a full
// record, and none touches the confirmation fields owned by the webhook path.
type TransactionRepository interface {
	// Create inserts a new transaction row
	Create(ctx context.Context, tx *domain.Transaction) error

	// GetByID retrieves a transaction by its id
	GetByID(ctx context.Context, id string) (*domain.Transaction, error)

	// UpdateStatus updates only the status column
	UpdateStatus(ctx context.Context, id string, status domain.TxStatus) error

	// MarkSubmitted records a successful dispatch acknowledgment
	MarkSubmitted(ctx context.Context, id, externalSubmissionID, assignedEndpoint string) error

	// MarkFailed sets status=failed with an error message
	MarkFailed(ctx context.Context, id, errorMessage string) error

	// CountByStatus returns the number of transactions in a given status
	CountByStatus(ctx context.Context, status domain.TxStatus) (int, error)
}
