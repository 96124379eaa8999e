package relayer

import (
	"encoding/json"
	"fmt"
	"strings"
)

// HTTPError is a non-2xx response from the relayer pool. Message is the most
// specific error text the response body carried; the body's nested message
// fields take priority over the raw payload.
type HTTPError struct {
	StatusCode int
	Message    string
}

// NewHTTPError builds an HTTPError, extracting the message from known
// response body shapes.
func NewHTTPError(statusCode int, body []byte) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		Message:    extractMessage(body),
	}
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relayer http %d", e.StatusCode)
	}
	return fmt.Sprintf("relayer http %d: %s", e.StatusCode, e.Message)
}

// extractMessage pulls the human error text out of a response body, trying
// the nested data.message / data.error fields before the top-level ones.
func extractMessage(body []byte) string {
	var payload struct {
		Data struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		} `json:"data"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Data.Message != "":
			return payload.Data.Message
		case payload.Data.Error != "":
			return payload.Data.Error
		case payload.Message != "":
			return payload.Message
		case payload.Error != "":
			return payload.Error
		}
	}
	return strings.TrimSpace(string(body))
}
