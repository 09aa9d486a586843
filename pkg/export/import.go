package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/nicktill/sensorvault/pkg/clock"
	"github.com/nicktill/sensorvault/pkg/config"
	"github.com/nicktill/sensorvault/pkg/storage"
)

// ErrInvalidDocument is returned when an import body is not a JSON export.
var ErrInvalidDocument = errors.New("invalid import document")

// maxFutureSkew is how far past now an imported timestamp may be.
const maxFutureSkew = 24 * time.Hour

// Importer loads readings from a JSON export.
type Importer struct {
	storage   storage.Store
	clock     clock.Clock
	batchSize int
}

// NewImporter creates a new importer
func NewImporter(store storage.Store, c clock.Clock) *Importer {
	if c == nil {
		c = clock.Real()
	}
	return &Importer{storage: store, clock: c, batchSize: config.MaxImportBatchSize}
}

// ImportResult contains stats about the import operation. Partial is set
// when the import stopped early; ReadingsImported then counts the readings
// that were written before the failure and remain stored.
type ImportResult struct {
	ReadingsImported int       `json:"readings_imported"`
	BatchesWritten   int       `json:"batches_written"`
	TimeRange        string    `json:"time_range"`
	ImportedAt       time.Time `json:"imported_at"`
	Errors           []string  `json:"errors,omitempty"`
	Partial          bool      `json:"partial,omitempty"`
}

// ImportFromJSON imports readings from a JSON export document. Invalid
// readings are skipped and reported in the result. If a write fails the
// error comes back together with a partial result.
func (im *Importer) ImportFromJSON(ctx context.Context, r io.Reader) (*ImportResult, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	now := im.clock.Now()
	if len(doc.Readings) == 0 {
		return &ImportResult{TimeRange: "empty", ImportedAt: now}, nil
	}

	var validationErrors []string
	valid := make([]Record, 0, len(doc.Readings))
	for i, rec := range doc.Readings {
		if err := validateRecord(rec, now); err != nil {
			validationErrors = append(validationErrors, fmt.Sprintf("reading %d: %v", i, err))
			continue
		}
		valid = append(valid, rec)
	}

	result := &ImportResult{
		TimeRange:  "empty",
		ImportedAt: now,
		Errors:     validationErrors,
	}
	for i := 0; i < len(valid); i += im.batchSize {
		if err := ctx.Err(); err != nil {
			return im.partial(result, valid, err)
		}
		end := min(i+im.batchSize, len(valid))
		for _, rec := range valid[i:end] {
			_, err := im.storage.InsertReading(ctx, storage.Reading{
				Temperature: rec.Temperature,
				Humidity:    rec.Humidity,
				Timestamp:   rec.Timestamp,
			})
			if err != nil {
				return im.partial(result, valid, fmt.Errorf("failed to write batch %d: %w", result.BatchesWritten, err))
			}
			result.ReadingsImported++
		}
		result.BatchesWritten++
	}

	result.TimeRange = recordRange(valid)
	return result, nil
}

// partial finishes a result for an import that stopped early. Readings
// already written stay in the store, so the result is returned with err.
func (im *Importer) partial(result *ImportResult, valid []Record, err error) (*ImportResult, error) {
	result.Partial = true
	result.TimeRange = recordRange(valid[:result.ReadingsImported])
	return result, err
}

func recordRange(recs []Record) string {
	if len(recs) == 0 {
		return "empty"
	}
	lo, hi := recs[0].Timestamp, recs[0].Timestamp
	for _, rec := range recs {
		lo = min(lo, rec.Timestamp)
		hi = max(hi, rec.Timestamp)
	}
	return timeRange(lo, hi)
}

func validateRecord(rec Record, now time.Time) error {
	var errs []error
	if !finite(rec.Temperature) {
		errs = append(errs, errors.New("temperature must be finite"))
	}
	if !finite(rec.Humidity) {
		errs = append(errs, errors.New("humidity must be finite"))
	}
	if rec.Timestamp == 0 {
		errs = append(errs, errors.New("timestamp cannot be zero"))
	}
	if limit := now.Add(maxFutureSkew).Unix(); rec.Timestamp > limit {
		errs = append(errs, fmt.Errorf("timestamp too far in future: %d", rec.Timestamp))
	}
	return errors.Join(errs...)
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
