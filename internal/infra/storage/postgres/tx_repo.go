package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/relayd/internal/core/domain"
	"github.com/vietddude/relayd/internal/infra/storage"
)

// TxRepo implements storage.TransactionRepository using PostgreSQL.
type TxRepo struct {
	db *DB
}

// NewTxRepo creates a new PostgreSQL transaction repository.
func NewTxRepo(db *DB) *TxRepo {
	return &TxRepo{db: db}
}

// Create inserts a new transaction row.
func (r *TxRepo) Create(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO relay_transactions (
			transaction_id, type, status, request, forwarder_address, retry_on_failure, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
	`

	_, err := r.db.ExecContext(ctx, query,
		tx.ID, string(tx.Type), string(tx.Status),
		[]byte(tx.Request), nullString(tx.ForwarderAddress), tx.RetryOnFailure,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

type txRow struct {
	TransactionID        string          `db:"transaction_id"`
	Type                 string          `db:"type"`
	Status               string          `db:"status"`
	Request              json.RawMessage `db:"request"`
	ForwarderAddress     *string         `db:"forwarder_address"`
	ExternalSubmissionID *string         `db:"external_submission_id"`
	AssignedEndpoint     *string         `db:"assigned_endpoint"`
	ErrorMessage         *string         `db:"error_message"`
	RetryOnFailure       *bool           `db:"retry_on_failure"`
	TxHash               *string         `db:"tx_hash"`
	CreatedAt            time.Time       `db:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at"`
}

func (t *txRow) toDomain() *domain.Transaction {
	tx := &domain.Transaction{
		ID:                   t.TransactionID,
		Type:                 domain.TxType(t.Type),
		Status:               domain.TxStatus(t.Status),
		Request:              t.Request,
		ExternalSubmissionID: t.ExternalSubmissionID,
		AssignedEndpoint:     t.AssignedEndpoint,
		ErrorMessage:         t.ErrorMessage,
		RetryOnFailure:       t.RetryOnFailure,
		TxHash:               t.TxHash,
		CreatedAt:            t.CreatedAt,
		UpdatedAt:            t.UpdatedAt,
	}
	if t.ForwarderAddress != nil {
		tx.ForwarderAddress = *t.ForwarderAddress
	}
	return tx
}

// GetByID retrieves a transaction by id.
func (r *TxRepo) GetByID(ctx context.Context, id string) (*domain.Transaction, error) {
	query := `
		SELECT transaction_id, type, status, request, forwarder_address,
		       external_submission_id, assigned_endpoint, error_message,
		       retry_on_failure, tx_hash, created_at, updated_at
		FROM relay_transactions
		WHERE transaction_id = $1
	`

	var row txRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return row.toDomain(), nil
}

// UpdateStatus updates only the status column.
func (r *TxRepo) UpdateStatus(ctx context.Context, id string, status domain.TxStatus) error {
	query := `
		UPDATE relay_transactions
		SET status = $2, updated_at = NOW()
		WHERE transaction_id = $1
	`
	return r.exec(ctx, query, id, string(status))
}

// MarkSubmitted records the relayer acknowledgment. The tx_hash column is
// deliberately untouched; the confirmation webhook owns it.
func (r *TxRepo) MarkSubmitted(ctx context.Context, id, externalSubmissionID, assignedEndpoint string) error {
	query := `
		UPDATE relay_transactions
		SET status = $2, external_submission_id = $3, assigned_endpoint = $4, updated_at = NOW()
		WHERE transaction_id = $1
	`
	return r.exec(ctx, query, id, string(domain.TxStatusSubmitted), externalSubmissionID, assignedEndpoint)
}

// MarkFailed sets status=failed with an error message.
func (r *TxRepo) MarkFailed(ctx context.Context, id, errorMessage string) error {
	query := `
		UPDATE relay_transactions
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE transaction_id = $1
	`
	return r.exec(ctx, query, id, string(domain.TxStatusFailed), errorMessage)
}

// CountByStatus returns the number of transactions in a given status.
func (r *TxRepo) CountByStatus(ctx context.Context, status domain.TxStatus) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM relay_transactions WHERE status = $1`
	if err := r.db.GetContext(ctx, &count, query, string(status)); err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

func (r *TxRepo) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
