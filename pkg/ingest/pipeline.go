package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/nicktill/sensorvault/pkg/cipher"
	"github.com/nicktill/sensorvault/pkg/clock"
	"github.com/nicktill/sensorvault/pkg/logging"
	"github.com/nicktill/sensorvault/pkg/storage"
)

// RetryPolicy controls how often a failed write is retried.
// Attempts counts the first try.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy is three attempts one second apart.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Delay: time.Second}

// Notifier is told about every reading that was stored.
type Notifier interface {
	NotifyReading(r storage.Reading)
}

// PipelineConfig wires a Pipeline.
type PipelineConfig struct {
	Keys     *cipher.Keyring
	Store    storage.Store
	Retry    RetryPolicy
	Clock    clock.Clock
	Notifier Notifier
}

// Pipeline turns an encrypted device payload into a stored reading.
type Pipeline struct {
	keys     *cipher.Keyring
	store    storage.Store
	retry    RetryPolicy
	clock    clock.Clock
	notifier Notifier
	log      *slog.Logger
}

// NewPipeline creates a pipeline. Zero Retry and nil Clock take defaults.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		keys:     cfg.Keys,
		store:    cfg.Store,
		retry:    cfg.Retry,
		clock:    cfg.Clock,
		notifier: cfg.Notifier,
		log:      logging.Component("ingest"),
	}
	if p.retry.Attempts <= 0 {
		p.retry = DefaultRetryPolicy
	}
	if p.clock == nil {
		p.clock = clock.Real()
	}
	return p
}

// Ingest decrypts, parses, validates and stores one payload. keyID selects
// the decryption key; empty means the default key.
//
// Returned errors match cipher.ErrDecode, cipher.ErrDecrypt, ErrParse,
// ErrValidation or ErrPersistence.
func (p *Pipeline) Ingest(ctx context.Context, raw []byte, keyID string) (storage.Reading, error) {
	body := string(raw)
	if !cipher.IsBase64(body) {
		return storage.Reading{}, fmt.Errorf("%w: characters outside base64 alphabet", cipher.ErrDecode)
	}

	codec, err := p.keys.Lookup(keyID)
	if err != nil {
		return storage.Reading{}, fmt.Errorf("%w: %w", cipher.ErrDecrypt, err)
	}
	text, err := codec.Decrypt(body)
	if err != nil {
		return storage.Reading{}, err
	}

	reading, err := ParseReading(text)
	if err != nil {
		return storage.Reading{}, err
	}

	saved, err := p.persist(ctx, reading)
	if err != nil {
		return storage.Reading{}, err
	}

	p.log.Debug("reading stored", "id", saved.ID, "timestamp", saved.Timestamp,
		"temperature", saved.Temperature, "humidity", saved.Humidity)
	if p.notifier != nil {
		p.notifier.NotifyReading(saved)
	}
	return saved, nil
}

// persist waits between attempts without holding any lock.
func (p *Pipeline) persist(ctx context.Context, r storage.Reading) (storage.Reading, error) {
	var lastErr error
	for attempt := 1; attempt <= p.retry.Attempts; attempt++ {
		saved, err := p.store.InsertReading(ctx, r)
		if err == nil {
			if attempt > 1 {
				p.log.Info("reading stored after retry", "attempt", attempt)
			}
			return saved, nil
		}
		lastErr = err
		p.log.Warn("failed to store reading", "attempt", attempt, "max_attempts", p.retry.Attempts, "error", err)

		if attempt == p.retry.Attempts {
			break
		}
		if ctx.Err() != nil {
			return storage.Reading{}, fmt.Errorf("%w: %w", ErrPersistence, ctx.Err())
		}
		select {
		case <-p.clock.After(p.retry.Delay):
		case <-ctx.Done():
			return storage.Reading{}, fmt.Errorf("%w: %w", ErrPersistence, ctx.Err())
		}
	}

	p.log.Error("giving up on reading", "attempts", p.retry.Attempts, "error", lastErr)
	return storage.Reading{}, fmt.Errorf("%w after %d attempts: %w", ErrPersistence, p.retry.Attempts, lastErr)
}

// ParseReading decodes a decrypted payload. Unknown fields such as
// team_number are ignored.
func ParseReading(text string) (storage.Reading, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return storage.Reading{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return storage.Reading{}, fmt.Errorf("%w: trailing data after object", ErrParse)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return storage.Reading{}, fmt.Errorf("%w: expected a JSON object", ErrParse)
	}

	temperature, err := numberField(obj, "temperature")
	if err != nil {
		return storage.Reading{}, err
	}
	humidity, err := numberField(obj, "humidity")
	if err != nil {
		return storage.Reading{}, err
	}
	timestamp, err := integerField(obj, "timestamp")
	if err != nil {
		return storage.Reading{}, err
	}

	return storage.Reading{Temperature: temperature, Humidity: humidity, Timestamp: timestamp}, nil
}

func numberField(obj map[string]any, name string) (float64, error) {
	n, err := jsonNumber(obj, name)
	if err != nil {
		return 0, err
	}
	f, err := n.Float64()
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, &ValidationError{Field: name, Reason: "out of range"}
	}
	return f, nil
}

func integerField(obj map[string]any, name string) (int64, error) {
	n, err := jsonNumber(obj, name)
	if err != nil {
		return 0, err
	}
	i, err := n.Int64()
	if err != nil {
		return 0, &ValidationError{Field: name, Reason: "must be an integer"}
	}
	return i, nil
}

func jsonNumber(obj map[string]any, name string) (json.Number, error) {
	v, ok := obj[name]
	if !ok || v == nil {
		return "", &ValidationError{Field: name, Reason: "missing"}
	}
	n, ok := v.(json.Number)
	if !ok {
		return "", &ValidationError{Field: name, Reason: "must be a number"}
	}
	return n, nil
}
