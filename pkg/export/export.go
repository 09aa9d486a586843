package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/nicktill/sensorvault/pkg/clock"
	"github.com/nicktill/sensorvault/pkg/storage"
)

// Format is an export file format.
type Format string

const (
	FormatJSON    Format = "json"
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

// ParseFormat parses a format name. An empty name means JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	case FormatParquet:
		return FormatParquet, nil
	default:
		return "", fmt.Errorf("invalid format %q: must be json, csv or parquet", s)
	}
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatParquet:
		return "application/vnd.apache.parquet"
	default:
		return "application/json"
	}
}

// formatVersion is bumped when the JSON layout changes incompatibly.
const formatVersion = "1.0"

// Exporter writes readings in a time range to a file format.
type Exporter struct {
	storage storage.Store
	clock   clock.Clock
}

// NewExporter creates a new exporter
func NewExporter(store storage.Store, c clock.Clock) *Exporter {
	if c == nil {
		c = clock.Real()
	}
	return &Exporter{storage: store, clock: c}
}

// Options selects the readings to export. Start and End are inclusive unix
// seconds.
type Options struct {
	Start  int64
	End    int64
	Format Format
}

// Result contains stats about the export
type Result struct {
	ReadingsExported int       `json:"readings_exported"`
	TimeRange        string    `json:"time_range"`
	Format           Format    `json:"format"`
	ExportedAt       time.Time `json:"exported_at"`
}

// Record is the exported shape of a reading, shared by all formats.
type Record struct {
	Temperature float64 `json:"temperature" parquet:"temperature"`
	Humidity    float64 `json:"humidity" parquet:"humidity"`
	Timestamp   int64   `json:"timestamp" parquet:"timestamp"`
}

// Metadata describes a JSON export.
type Metadata struct {
	ExportedAt   time.Time `json:"exported_at"`
	StartTime    int64     `json:"start_time"`
	EndTime      int64     `json:"end_time"`
	ReadingCount int       `json:"reading_count"`
	Format       Format    `json:"format"`
	Version      string    `json:"version"`
}

// Document is the JSON export layout, also accepted by Import.
type Document struct {
	Metadata Metadata `json:"metadata"`
	Readings []Record `json:"readings"`
}

// Export writes the selected readings to w in opts.Format.
func (e *Exporter) Export(ctx context.Context, w io.Writer, opts Options) (*Result, error) {
	readings, err := e.storage.ReadingsBetween(ctx, opts.Start, opts.End)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	records := make([]Record, len(readings))
	for i, r := range readings {
		records[i] = Record{Temperature: r.Temperature, Humidity: r.Humidity, Timestamp: r.Timestamp}
	}

	now := e.clock.Now()
	switch opts.Format {
	case FormatCSV:
		err = writeCSV(w, records)
	case FormatParquet:
		err = writeParquet(w, records)
	default:
		opts.Format = FormatJSON
		err = writeJSON(w, Document{
			Metadata: Metadata{
				ExportedAt:   now,
				StartTime:    opts.Start,
				EndTime:      opts.End,
				ReadingCount: len(records),
				Format:       FormatJSON,
				Version:      formatVersion,
			},
			Readings: records,
		})
	}
	if err != nil {
		return nil, err
	}

	return &Result{
		ReadingsExported: len(records),
		TimeRange:        timeRange(opts.Start, opts.End),
		Format:           opts.Format,
		ExportedAt:       now,
	}, nil
}

func writeJSON(w io.Writer, doc Document) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

func writeCSV(w io.Writer, records []Record) error {
	writer := csv.NewWriter(w)

	if err := writer.Write([]string{"timestamp", "time", "temperature", "humidity"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, r := range records {
		row := []string{
			strconv.FormatInt(r.Timestamp, 10),
			time.Unix(r.Timestamp, 0).UTC().Format(time.RFC3339),
			strconv.FormatFloat(r.Temperature, 'f', -1, 64),
			strconv.FormatFloat(r.Humidity, 'f', -1, 64),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}
	return nil
}

func writeParquet(w io.Writer, records []Record) error {
	writer := parquet.NewGenericWriter[Record](w, parquet.Compression(&parquet.Zstd))
	if _, err := writer.Write(records); err != nil {
		return fmt.Errorf("failed to write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}

func timeRange(start, end int64) string {
	return fmt.Sprintf("%s to %s",
		time.Unix(start, 0).UTC().Format(time.RFC3339),
		time.Unix(end, 0).UTC().Format(time.RFC3339))
}
