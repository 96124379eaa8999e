package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrReceiptNotFound is returned when deleting with a stale receipt handle
	ErrReceiptNotFound = errors.New("receipt handle not found")
)

// Message is a single delivery. ReceiptHandle is opaque and valid only while
// the message is within its visibility window.
type Message struct {
	ID            string
	Body          []byte
	ReceiptHandle string
	ReceiveCount  int
}

// Queue is the at-least-once transport contract the relay pipeline consumes.
// A received-but-undeleted message reappears after the queue's visibility
// timeout; the transport itself moves a message to its paired dead-letter
// queue once the configured maximum receive count is exceeded.
type Queue interface {
	// Send publishes a message body
	Send(ctx context.Context, body []byte) error

	// Receive pulls up to max messages, waiting up to wait for the first one
	Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error)

	// Delete removes a received message by its receipt handle
	Delete(ctx context.Context, receiptHandle string) error

	// Size returns the number of ready (visible) messages
	Size(ctx context.Context) (int64, error)
}
