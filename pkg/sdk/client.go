// Package sdk is the device side of sensorvault: it encrypts readings the
// way a sensor board does and posts them to /api/post-data.
package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nicktill/sensorvault/pkg/cipher"
	"github.com/nicktill/sensorvault/pkg/clock"
	"github.com/nicktill/sensorvault/pkg/logging"
	"github.com/nicktill/sensorvault/pkg/sdk/transport"
)

// ClientConfig holds configuration for a device client.
type ClientConfig struct {
	Endpoint   string        `json:"endpoint"`
	Key        string        `json:"key"`
	KeyID      string        `json:"key_id"`
	TeamNumber int           `json:"team_number"`
	Attempts   int           `json:"attempts"`
	RetryDelay time.Duration `json:"retry_delay"`
}

// Reading is the plaintext payload of one sample.
type Reading struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Timestamp   int64   `json:"timestamp"`
	TeamNumber  int     `json:"team_number,omitempty"`
}

// Client sends encrypted readings.
type Client struct {
	config    ClientConfig
	codec     *cipher.Codec
	transport transport.Transport
	clock     clock.Clock
	log       *slog.Logger
}

// New creates a client posting over HTTP.
func New(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:8888/api/post-data"
	}
	trans, err := transport.NewHTTP(cfg.Endpoint, cfg.KeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	return NewWithTransport(cfg, trans, clock.Real())
}

// NewWithTransport creates a client with an explicit transport and clock.
func NewWithTransport(cfg ClientConfig, trans transport.Transport, c clock.Clock) (*Client, error) {
	key, err := cipher.ParseKey(cfg.Key)
	if err != nil {
		return nil, err
	}
	codec, err := cipher.NewCodec(key)
	if err != nil {
		return nil, err
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if c == nil {
		c = clock.Real()
	}
	return &Client{
		config:    cfg,
		codec:     codec,
		transport: trans,
		clock:     c,
		log:       logging.Component("sdk"),
	}, nil
}

// Encode returns the encrypted payload for r.
func (c *Client) Encode(r Reading) (string, error) {
	if r.TeamNumber == 0 {
		r.TeamNumber = c.config.TeamNumber
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal reading: %w", err)
	}
	return c.codec.Encrypt(string(data)), nil
}

// Send encrypts and posts r. Rejections (4xx) are returned at once; network
// errors and 5xx responses are retried.
func (c *Client) Send(ctx context.Context, r Reading) error {
	payload, err := c.Encode(r)
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		err = c.transport.Send(ctx, payload)
		if err == nil {
			return nil
		}
		var se *transport.StatusError
		if errors.As(err, &se) && !se.Temporary() {
			return err
		}
		if attempt >= c.config.Attempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		c.log.Warn("send failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(c.config.RetryDelay):
		}
	}
}
