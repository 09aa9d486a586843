package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/sensorvault/pkg/cipher"
	"github.com/nicktill/sensorvault/pkg/clock"
	"github.com/nicktill/sensorvault/pkg/storage"
	"github.com/nicktill/sensorvault/pkg/storage/memory"
)

const testKey = "12345678901234567890123456789012"

// flakyStore fails the first failures inserts.
type flakyStore struct {
	storage.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) InsertReading(ctx context.Context, r storage.Reading) (storage.Reading, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return storage.Reading{}, errors.New("database is locked")
	}
	return f.Store.InsertReading(ctx, r)
}

type recordingNotifier struct {
	got []storage.Reading
}

func (n *recordingNotifier) NotifyReading(r storage.Reading) { n.got = append(n.got, r) }

func newKeyring(t *testing.T) *cipher.Keyring {
	t.Helper()
	kr, err := cipher.NewKeyring("", map[string]string{cipher.DefaultKeyID: testKey})
	require.NoError(t, err)
	return kr
}

func encrypt(t *testing.T, plaintext string) []byte {
	t.Helper()
	c, err := cipher.NewCodec([]byte(testKey))
	require.NoError(t, err)
	return []byte(c.Encrypt(plaintext))
}

type fixture struct {
	pipeline *Pipeline
	store    *flakyStore
	clock    *clock.Fake
	notifier *recordingNotifier
}

func newFixture(t *testing.T, failures int) *fixture {
	t.Helper()
	fx := &fixture{
		store:    &flakyStore{Store: memory.New(), failures: failures},
		clock:    clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
		notifier: &recordingNotifier{},
	}
	fx.pipeline = NewPipeline(PipelineConfig{
		Keys:     newKeyring(t),
		Store:    fx.store,
		Clock:    fx.clock,
		Notifier: fx.notifier,
	})
	return fx
}

func TestIngest_StoresExactFields(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()

	body := encrypt(t, `{"temperature": 22.75, "humidity": 48.5, "timestamp": 1717243200, "team_number": 7}`)
	saved, err := fx.pipeline.Ingest(ctx, body, "")
	require.NoError(t, err)
	require.EqualValues(t, 1, saved.ID)

	got, err := fx.store.RecentReadings(ctx, 20)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 22.75, got[0].Temperature)
	require.Equal(t, 48.5, got[0].Humidity)
	require.EqualValues(t, 1717243200, got[0].Timestamp)

	require.Len(t, fx.notifier.got, 1)
	require.Equal(t, saved.ID, fx.notifier.got[0].ID)
}

func TestIngest_RejectedPayloadsLeaveNoRow(t *testing.T) {
	tests := []struct {
		name  string
		body  func(t *testing.T) []byte
		want  error
		field string
	}{
		{"not base64", func(t *testing.T) []byte { return []byte("not base64!") }, cipher.ErrDecode, ""},
		{"not block aligned", func(t *testing.T) []byte { return []byte("QUJD") }, cipher.ErrDecrypt, ""},
		{"not json", func(t *testing.T) []byte { return encrypt(t, "hello") }, ErrParse, ""},
		{"json array", func(t *testing.T) []byte { return encrypt(t, "[1,2]") }, ErrParse, ""},
		{"trailing data", func(t *testing.T) []byte {
			return encrypt(t, `{"temperature":1,"humidity":2,"timestamp":3} {}`)
		}, ErrParse, ""},
		{"missing timestamp", func(t *testing.T) []byte {
			return encrypt(t, `{"temperature": 21.0, "humidity": 40.0}`)
		}, ErrValidation, "timestamp"},
		{"string temperature", func(t *testing.T) []byte {
			return encrypt(t, `{"temperature": "21", "humidity": 40.0, "timestamp": 1}`)
		}, ErrValidation, "temperature"},
		{"null humidity", func(t *testing.T) []byte {
			return encrypt(t, `{"temperature": 21, "humidity": null, "timestamp": 1}`)
		}, ErrValidation, "humidity"},
		{"fractional timestamp", func(t *testing.T) []byte {
			return encrypt(t, `{"temperature": 21, "humidity": 40, "timestamp": 1.5}`)
		}, ErrValidation, "timestamp"},
		{"overflowing number", func(t *testing.T) []byte {
			return encrypt(t, `{"temperature": 1e400, "humidity": 40, "timestamp": 1}`)
		}, ErrValidation, "temperature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, 0)
			_, err := fx.pipeline.Ingest(context.Background(), tt.body(t), "")
			require.Error(t, err)
			require.ErrorIs(t, err, tt.want)

			if tt.field != "" {
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				require.Equal(t, tt.field, verr.Field)
			}

			rows, err := fx.store.RecentReadings(context.Background(), 0)
			require.NoError(t, err)
			require.Empty(t, rows)
			require.Zero(t, fx.store.calls)
		})
	}
}

func TestIngest_UnknownKeyIsDecryptError(t *testing.T) {
	fx := newFixture(t, 0)
	_, err := fx.pipeline.Ingest(context.Background(), encrypt(t, `{}`), "nope")
	require.ErrorIs(t, err, cipher.ErrDecrypt)
	require.ErrorIs(t, err, cipher.ErrUnknownKey)
}

func TestIngest_RetriesTransientFailure(t *testing.T) {
	fx := newFixture(t, 2)
	body := encrypt(t, `{"temperature": 20, "humidity": 50, "timestamp": 100}`)

	saved, err := fx.pipeline.Ingest(context.Background(), body, "")
	require.NoError(t, err)
	require.EqualValues(t, 100, saved.Timestamp)
	require.Equal(t, 3, fx.store.calls)
	require.Equal(t, []time.Duration{time.Second, time.Second}, fx.clock.Waits())
}

func TestIngest_PersistenceErrorAfterThreeAttempts(t *testing.T) {
	fx := newFixture(t, 100)
	body := encrypt(t, `{"temperature": 20, "humidity": 50, "timestamp": 100}`)

	_, err := fx.pipeline.Ingest(context.Background(), body, "")
	require.ErrorIs(t, err, ErrPersistence)
	require.Contains(t, err.Error(), "database is locked")
	require.Equal(t, 3, fx.store.calls)
	// Two waits between three attempts, none after the last.
	require.Equal(t, []time.Duration{time.Second, time.Second}, fx.clock.Waits())
	require.Empty(t, fx.notifier.got)
}

func TestIngest_CancelledContextStopsRetrying(t *testing.T) {
	fx := newFixture(t, 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fx.pipeline.Ingest(ctx, encrypt(t, `{"temperature": 20, "humidity": 50, "timestamp": 100}`), "")
	require.ErrorIs(t, err, ErrPersistence)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, fx.store.calls)
	require.Empty(t, fx.clock.Waits())
}

func TestParseReading_NegativeAndLargeTimestamps(t *testing.T) {
	r, err := ParseReading(`{"temperature": -5.5, "humidity": 0, "timestamp": -3600}`)
	require.NoError(t, err)
	require.Equal(t, -5.5, r.Temperature)
	require.EqualValues(t, -3600, r.Timestamp)

	_, err = ParseReading(`{"temperature": 1, "humidity": 1, "timestamp": 99999999999999999999}`)
	require.ErrorIs(t, err, ErrValidation)
}
