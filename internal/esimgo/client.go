// Package esimgo talks to the eSIM Go provisioning API.
package esimgo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"esimcheckout/internal/reliability"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultBaseURL = "https://api.esim-go.com"
	ordersPath     = "/v2.4/orders"
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 512
)

// ErrMissingAPIKey is returned by NewClient when no key is configured.
var ErrMissingAPIKey = errors.New("esimgo: api key required")

// StatusError reports a non-2xx answer from the API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("esimgo: unexpected status %d: %s", e.Code, e.Body)
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client implements checkout.Provisioner against the orders endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a Client with an otelhttp-instrumented transport. A nil
// httpClient gets a default one.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{baseURL: base, apiKey: cfg.APIKey, http: httpClient}, nil
}

type orderItem struct {
	Type     string `json:"type"`
	Quantity int    `json:"quantity"`
	Item     string `json:"item"`
}

type orderRequest struct {
	Type   string      `json:"type"`
	Assign bool        `json:"assign"`
	Order  []orderItem `json:"order"`
}

type orderResponse struct {
	Valid    bool    `json:"valid"`
	Total    float64 `json:"total"`
	Currency string  `json:"currency"`
}

// ValidateOrder asks the provider whether bundleExternalID can be ordered
// right now without placing the order. A 400 means the bundle is not
// orderable and yields false. Auth failures are permanent; 429 and 5xx are
// left retryable for the caller's guard.
func (c *Client) ValidateOrder(ctx context.Context, bundleExternalID string) (bool, error) {
	if strings.TrimSpace(bundleExternalID) == "" {
		return false, reliability.Permanent(errors.New("esimgo: bundle id required"))
	}

	payload, err := json.Marshal(orderRequest{
		Type:   "validate",
		Assign: false,
		Order:  []orderItem{{Type: "bundle", Quantity: 1, Item: bundleExternalID}},
	})
	if err != nil {
		return false, reliability.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ordersPath, bytes.NewReader(payload))
	if err != nil {
		return false, reliability.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("esimgo: validate order: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return false, nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return false, statusError(resp)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Repeating a rejected request cannot succeed.
		return false, reliability.Permanent(statusError(resp))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return false, statusError(resp)
	}

	var out orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, reliability.Permanent(fmt.Errorf("esimgo: decode response: %w", err))
	}
	return out.Valid, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
