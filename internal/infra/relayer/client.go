package relayer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vietddude/relayd/internal/core/timeutil"
)

const (
	// StatusActive is the only relayer status considered dispatchable.
	StatusActive = "active"

	DefaultProbeTimeout    = 500 * time.Millisecond
	DefaultDispatchTimeout = 30 * time.Second
)

// Info is the authoritative state of the relayer behind one endpoint.
type Info struct {
	ID                  string `json:"id"`
	PendingTransactions int    `json:"pending_transactions"`
	Status              string `json:"status"`
}

// SendRequest is the submission payload for POST /relayers/{id}/transactions.
type SendRequest struct {
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value"`
	GasLimit uint64 `json:"gas_limit"`
	Speed    string `json:"speed"`
}

// Config holds relayer pool client configuration.
type Config struct {
	APIKey          string            `yaml:"api_key"`
	ProbeTimeout    timeutil.Duration `yaml:"probe_timeout"`
	DispatchTimeout timeutil.Duration `yaml:"dispatch_timeout"`
}

// Client talks to the relayer pool's HTTP API with a bearer credential.
type Client struct {
	httpClient *http.Client
	apiKey     string

	probeTimeout    time.Duration
	dispatchTimeout time.Duration
}

// NewClient creates a new relayer pool client.
func NewClient(cfg Config) *Client {
	probeTimeout := cfg.ProbeTimeout.Std()
	if probeTimeout == 0 {
		probeTimeout = DefaultProbeTimeout
	}
	dispatchTimeout := cfg.DispatchTimeout.Std()
	if dispatchTimeout == 0 {
		dispatchTimeout = DefaultDispatchTimeout
	}

	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		apiKey:          cfg.APIKey,
		probeTimeout:    probeTimeout,
		dispatchTimeout: dispatchTimeout,
	}
}

// Probe fetches the relayer state behind endpoint. Bounded by the probe
// timeout regardless of the caller's context.
func (c *Client) Probe(ctx context.Context, endpoint string) (*Info, error) {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	var resp struct {
		Data []Info `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint+"/relayers", nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no relayers reported by %s", endpoint)
	}
	// First element is authoritative for that endpoint.
	return &resp.Data[0], nil
}

// Send submits a transaction to the given relayer and returns the external
// submission id from its synchronous acknowledgment. It does not wait for
// on-chain confirmation.
func (c *Client) Send(ctx context.Context, endpoint, relayerID string, req SendRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.dispatchTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/relayers/%s/transactions", endpoint, relayerID)
	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, url, req, &resp); err != nil {
		return "", err
	}
	if resp.Data.ID == "" {
		return "", fmt.Errorf("relayer %s acknowledged without an id", relayerID)
	}
	return resp.Data.ID, nil
}

func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("relayer call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return NewHTTPError(resp.StatusCode, data)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}
