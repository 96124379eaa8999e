package classify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vietddude/relayd/internal/infra/relayer"
)

// Category partitions failures into the retry taxonomy.
type Category string

const (
	Retryable    Category = "RETRYABLE"
	NonRetryable Category = "NON_RETRYABLE"
)

// Result describes a classified failure. Produced fresh on every call, never
// persisted.
type Result struct {
	Category        Category
	Reason          string
	OriginalMessage string
	HTTPStatus      int
}

// pattern pairs a lowercase substring with its fixed human reason.
type pattern struct {
	substr string
	reason string
}

// nonRetryablePatterns are deterministic on-chain or validation failures.
// A retry would hit the same wall, so they are routed out of the pipeline.
// First match wins.
var nonRetryablePatterns = []pattern{
	{"insufficient funds", "Insufficient balance for transaction"},
	{"insufficient balance", "Insufficient balance for transaction"},
	{"exceeds gas allowance", "Gas allowance exhausted"},
	{"exceeds block gas limit", "Transaction exceeds block gas limit"},
	{"gas limit reached", "Gas limit exceeded"},
	{"intrinsic gas too low", "Intrinsic gas too low"},
	{"out of gas", "Transaction ran out of gas"},
	{"nonce too low", "Nonce already used"},
	{"nonce already used", "Nonce already used"},
	{"execution reverted", "Execution reverted"},
	{"always failing transaction", "Transaction would revert"},
	{"transaction would revert", "Transaction would revert"},
}

// retryablePatterns look like transient transport trouble.
var retryablePatterns = []pattern{
	{"timeout", "Request timed out"},
	{"timed out", "Request timed out"},
	{"connection refused", "Connection refused"},
	{"econnrefused", "Connection refused"},
	{"etimedout", "Request timed out"},
	{"enotfound", "Host not found"},
	{"socket hang up", "Connection dropped"},
}

var nonRetryableStatuses = map[int]bool{
	400: true, 401: true, 403: true, 422: true,
}

var retryableStatuses = map[int]bool{
	408: true, 429: true, 500: true, 502: true, 503: true, 504: true,
}

// Classify maps an arbitrary failure to the taxonomy. Unknown failures come
// back RETRYABLE so a transient blip gets another chance instead of being
// silently dropped; the receive-count ceiling bounds how many chances.
func Classify(err error) Result {
	message, status := extract(err)
	lower := strings.ToLower(message)

	for _, p := range nonRetryablePatterns {
		if strings.Contains(lower, p.substr) {
			return Result{
				Category:        NonRetryable,
				Reason:          p.reason,
				OriginalMessage: message,
				HTTPStatus:      status,
			}
		}
	}

	if nonRetryableStatuses[status] {
		return Result{
			Category:        NonRetryable,
			Reason:          fmt.Sprintf("Non-retryable HTTP status %d", status),
			OriginalMessage: message,
			HTTPStatus:      status,
		}
	}

	if retryableStatuses[status] {
		return Result{
			Category:        Retryable,
			Reason:          fmt.Sprintf("Retryable HTTP status %d", status),
			OriginalMessage: message,
			HTTPStatus:      status,
		}
	}

	for _, p := range retryablePatterns {
		if strings.Contains(lower, p.substr) {
			return Result{
				Category:        Retryable,
				Reason:          p.reason,
				OriginalMessage: message,
				HTTPStatus:      status,
			}
		}
	}

	return Result{
		Category:        Retryable,
		Reason:          "Unknown error, assumed transient",
		OriginalMessage: message,
		HTTPStatus:      status,
	}
}

// IsRetryable reports whether the failure is worth another delivery.
func IsRetryable(err error) bool {
	return Classify(err).Category == Retryable
}

// IsNonRetryable reports whether the failure is terminal.
func IsNonRetryable(err error) bool {
	return Classify(err).Category == NonRetryable
}

// extract resolves the known failure shapes into a message and an optional
// HTTP status. Relayer client errors carry both; anything else is reduced to
// its message text.
func extract(err error) (message string, status int) {
	if err == nil {
		return "", 0
	}

	var httpErr *relayer.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Message, httpErr.StatusCode
	}

	return err.Error(), 0
}
