package domain

import (
	"encoding/json"
	"time"
)

// TxType distinguishes how a transaction is relayed.
type TxType string

const (
	TxTypeDirect  TxType = "direct"
	TxTypeGasless TxType = "gasless"
)

// TxStatus is the lifecycle state of a relayed transaction.
type TxStatus string

const (
	TxStatusQueued     TxStatus = "queued"
	TxStatusProcessing TxStatus = "processing"
	TxStatusSubmitted  TxStatus = "submitted"
	TxStatusConfirmed  TxStatus = "confirmed"
	TxStatusFailed     TxStatus = "failed"
)

// IsTerminal reports whether no further processing may touch the transaction.
func (s TxStatus) IsTerminal() bool {
	return s == TxStatusConfirmed || s == TxStatusFailed
}

// Transaction is the unit of work the relay pipeline moves from queued to a
// terminal state. TxHash and confirmation fields are owned by the external
// confirmation path; the producer and consumers never write them.
type Transaction struct {
	ID                   string          `json:"transaction_id"  db:"transaction_id"`
	Type                 TxType          `json:"type"            db:"type"`
	Status               TxStatus        `json:"status"          db:"status"`
	Request              json.RawMessage `json:"request"         db:"request"`
	ForwarderAddress     string          `json:"forwarder_address,omitempty" db:"forwarder_address"`
	ExternalSubmissionID *string         `json:"external_submission_id,omitempty" db:"external_submission_id"`
	AssignedEndpoint     *string         `json:"assigned_endpoint,omitempty" db:"assigned_endpoint"`
	ErrorMessage         *string         `json:"error_message,omitempty" db:"error_message"`
	// RetryOnFailure is nullable: rows created before the column existed carry
	// NULL, which the DLQ consumer treats the same as false.
	RetryOnFailure *bool      `json:"retry_on_failure,omitempty" db:"retry_on_failure"`
	TxHash         *string    `json:"tx_hash,omitempty" db:"tx_hash"`
	CreatedAt      time.Time  `json:"created_at"      db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"      db:"updated_at"`
}

// ShouldRetryOnFailure resolves the nullable flag with the legacy default.
func (t *Transaction) ShouldRetryOnFailure() bool {
	return t.RetryOnFailure != nil && *t.RetryOnFailure
}

// QueueMessage is the JSON body carried on the main queue and, unchanged, on
// the dead-letter queue.
type QueueMessage struct {
	TransactionID    string          `json:"transactionId"`
	Type             TxType          `json:"type"`
	Request          json.RawMessage `json:"request"`
	ForwarderAddress string          `json:"forwarderAddress,omitempty"`
	RetryOnFailure   bool            `json:"retryOnFailure,omitempty"`
}
