package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/sensorvault/pkg/clock"
	"github.com/nicktill/sensorvault/pkg/storage"
	"github.com/nicktill/sensorvault/pkg/storage/memory"
)

var now = time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)

func seeded(t *testing.T) *memory.Storage {
	t.Helper()
	store := memory.New()
	for i, temp := range []float64{20.5, 21, 22.25} {
		_, err := store.InsertReading(context.Background(), storage.Reading{
			Timestamp: now.Unix() - int64(3-i)*60, Temperature: temp, Humidity: 40 + float64(i),
		})
		require.NoError(t, err)
	}
	// Outside every test range.
	_, err := store.InsertReading(context.Background(), storage.Reading{Timestamp: 1000, Temperature: 99})
	require.NoError(t, err)
	return store
}

func opts(f Format) Options {
	return Options{Start: now.Add(-time.Hour).Unix(), End: now.Unix(), Format: f}
}

func TestExportJSON(t *testing.T) {
	exporter := NewExporter(seeded(t), clock.NewFake(now))
	buf := &bytes.Buffer{}

	result, err := exporter.Export(context.Background(), buf, opts(FormatJSON))
	require.NoError(t, err)
	require.Equal(t, 3, result.ReadingsExported)
	require.Equal(t, FormatJSON, result.Format)

	var doc Document
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	require.Equal(t, 3, doc.Metadata.ReadingCount)
	require.Equal(t, "1.0", doc.Metadata.Version)
	require.Len(t, doc.Readings, 3)
	require.Equal(t, 20.5, doc.Readings[0].Temperature)
	require.Equal(t, now.Unix()-180, doc.Readings[0].Timestamp)
}

func TestExportCSV(t *testing.T) {
	exporter := NewExporter(seeded(t), clock.NewFake(now))
	buf := &bytes.Buffer{}

	_, err := exporter.Export(context.Background(), buf, opts(FormatCSV))
	require.NoError(t, err)

	rows, err := csv.NewReader(buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	require.Equal(t, []string{"timestamp", "time", "temperature", "humidity"}, rows[0])
	require.Equal(t, "2024-03-09T11:57:00Z", rows[1][1])
	require.Equal(t, "22.25", rows[3][2])
}

func TestExportParquet(t *testing.T) {
	exporter := NewExporter(seeded(t), clock.NewFake(now))
	buf := &bytes.Buffer{}

	result, err := exporter.Export(context.Background(), buf, opts(FormatParquet))
	require.NoError(t, err)
	require.Equal(t, 3, result.ReadingsExported)

	reader := parquet.NewGenericReader[Record](bytes.NewReader(buf.Bytes()))
	defer reader.Close()
	require.Equal(t, int64(3), reader.NumRows())

	rows := make([]Record, 3)
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("read parquet rows: %v", err)
	}
	require.Equal(t, 3, n)
	require.Equal(t, 22.25, rows[2].Temperature)
	require.Equal(t, 42.0, rows[2].Humidity)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, f)

	f, err = ParseFormat("parquet")
	require.NoError(t, err)
	require.Equal(t, "application/vnd.apache.parquet", f.ContentType())

	_, err = ParseFormat("xml")
	require.Error(t, err)
}

func TestImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	buf := &bytes.Buffer{}
	_, err := NewExporter(seeded(t), clock.NewFake(now)).Export(ctx, buf, opts(FormatJSON))
	require.NoError(t, err)

	dst := memory.New()
	result, err := NewImporter(dst, clock.NewFake(now)).ImportFromJSON(ctx, buf)
	require.NoError(t, err)
	require.Equal(t, 3, result.ReadingsImported)
	require.Equal(t, 1, result.BatchesWritten)
	require.Empty(t, result.Errors)
	require.Equal(t, "2024-03-09T11:57:00Z to 2024-03-09T11:59:00Z", result.TimeRange)

	got, err := dst.ReadingsSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
}

func TestImportSkipsInvalidReadings(t *testing.T) {
	body := `{"readings": [
		{"temperature": 20, "humidity": 40, "timestamp": 1709900000},
		{"temperature": 20, "humidity": 40, "timestamp": 0},
		{"temperature": 20, "humidity": 40, "timestamp": 1809900000}
	]}`
	dst := memory.New()
	result, err := NewImporter(dst, clock.NewFake(now)).ImportFromJSON(context.Background(), strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, 1, result.ReadingsImported)
	require.Len(t, result.Errors, 2)
	require.Contains(t, result.Errors[0], "reading 1")
	require.Contains(t, result.Errors[1], "future")
}

func TestImportBatches(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(`{"readings": [`)
	for i := 0; i < 7; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`{"temperature": 20, "humidity": 40, "timestamp": 17099000`)
		sb.WriteByte(byte('0' + i))
		sb.WriteString(`}`)
	}
	sb.WriteString(`]}`)

	im := NewImporter(memory.New(), clock.NewFake(now))
	im.batchSize = 3
	result, err := im.ImportFromJSON(context.Background(), strings.NewReader(sb.String()))
	require.NoError(t, err)
	require.Equal(t, 7, result.ReadingsImported)
	require.Equal(t, 3, result.BatchesWritten)
}

func TestImportEmptyAndInvalid(t *testing.T) {
	im := NewImporter(memory.New(), clock.NewFake(now))

	result, err := im.ImportFromJSON(context.Background(), strings.NewReader(`{"readings": []}`))
	require.NoError(t, err)
	require.Zero(t, result.ReadingsImported)
	require.Equal(t, "empty", result.TimeRange)

	_, err = im.ImportFromJSON(context.Background(), strings.NewReader(`{not json`))
	require.ErrorIs(t, err, ErrInvalidDocument)
}

// flakyStore fails every insert after the first okInserts.
type flakyStore struct {
	storage.Store
	okInserts int
}

func (s *flakyStore) InsertReading(ctx context.Context, r storage.Reading) (storage.Reading, error) {
	if s.okInserts == 0 {
		return storage.Reading{}, errors.New("disk full")
	}
	s.okInserts--
	return s.Store.InsertReading(ctx, r)
}

func TestImportReportsPartialWrite(t *testing.T) {
	mem := memory.New()
	im := NewImporter(&flakyStore{Store: mem, okInserts: 4}, clock.NewFake(now))
	im.batchSize = 3

	body := `{"readings": [
		{"temperature": 20, "humidity": 40, "timestamp": 1709900001},
		{"temperature": 20, "humidity": 40, "timestamp": 1709900002},
		{"temperature": 20, "humidity": 40, "timestamp": 1709900003},
		{"temperature": 20, "humidity": 40, "timestamp": 1709900004},
		{"temperature": 20, "humidity": 40, "timestamp": 1709900005}
	]}`
	result, err := im.ImportFromJSON(context.Background(), strings.NewReader(body))
	require.ErrorContains(t, err, "disk full")
	require.NotNil(t, result)
	require.True(t, result.Partial)
	require.Equal(t, 4, result.ReadingsImported)
	require.Equal(t, 1, result.BatchesWritten)

	stored, err := mem.ReadingsSince(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, stored, 4)
}
