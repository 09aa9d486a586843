package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// KeyIDHeader names the device key the server should decrypt with.
const KeyIDHeader = "X-Key-ID"

// Transport delivers one encrypted payload.
type Transport interface {
	Send(ctx context.Context, payload string) error
}

// StatusError is returned when the server rejects a payload.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying the same payload could succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// HTTPTransport posts payloads as text/plain bodies.
type HTTPTransport struct {
	endpoint string
	keyID    string
	client   *http.Client
}

// NewHTTP creates a transport for endpoint, usually
// http://host:port/api/post-data.
func NewHTTP(endpoint, keyID string) (*HTTPTransport, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	return &HTTPTransport{
		endpoint: endpoint,
		keyID:    keyID,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// Send posts payload to the ingest endpoint.
func (t *HTTPTransport) Send(ctx context.Context, payload string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "text/plain")
	if t.keyID != "" {
		req.Header.Set(KeyIDHeader, t.keyID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil
}
