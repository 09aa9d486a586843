package query

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/sensorvault/pkg/clock"
	"github.com/nicktill/sensorvault/pkg/storage"
	"github.com/nicktill/sensorvault/pkg/storage/memory"
)

func newHandler(t *testing.T, temps ...float64) *Handler {
	t.Helper()
	store := memory.New()
	for i, temp := range temps {
		_, err := store.InsertReading(context.Background(), storage.Reading{
			Timestamp: now.Unix() - int64(len(temps)-i), Temperature: temp, Humidity: 40,
		})
		require.NoError(t, err)
	}
	return NewHandler(NewService(store, clock.NewFake(now)))
}

func get(t *testing.T, h http.HandlerFunc, target string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodGet, target, nil))
	return rr
}

func TestHandleGetData(t *testing.T) {
	h := newHandler(t, 20, 21)
	rr := get(t, h.HandleGetData, "/api/get-data")
	require.Equal(t, http.StatusOK, rr.Code)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, 2)
	require.Equal(t, 21.0, got[0]["temperature"])
	require.Len(t, got[0], 3)
	require.Contains(t, got[0], "humidity")
	require.Contains(t, got[0], "timestamp")
}

func TestHandleGetDataEmptyIsArray(t *testing.T) {
	rr := get(t, newHandler(t).HandleGetData, "/api/get-data")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, "[]", rr.Body.String())
}

func TestHandleGetAggregatedData(t *testing.T) {
	store := memory.New()
	_, err := store.InsertBucket(context.Background(), storage.Bucket{
		IntervalStart: now.Unix() - 3600, IntervalEnd: now.Unix() - 10,
		AvgTemperature: 21, MinTemperature: 20, MaxTemperature: 22,
		AvgHumidity: 45, MinHumidity: 40, MaxHumidity: 50, Samples: 2,
	})
	require.NoError(t, err)
	h := NewHandler(NewService(store, clock.NewFake(now)))

	rr := get(t, h.HandleGetAggregatedData, "/api/get-aggregated-data")
	require.Equal(t, http.StatusOK, rr.Code)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Len(t, got[0], 8)
	require.Equal(t, 21.0, got[0]["avg_temperature"])
	require.Equal(t, 50.0, got[0]["max_humidity"])
}

func TestHandleSearchTemperature(t *testing.T) {
	h := newHandler(t, -1, 20, 25, 30)

	tests := []struct {
		name   string
		query  string
		status int
		temps  []float64
	}{
		{"above", "?threshold=25", http.StatusOK, []float64{30}},
		{"below", "?threshold=25&condition=below", http.StatusOK, []float64{20, -1}},
		{"zero is valid", "?threshold=0&condition=below", http.StatusOK, []float64{-1}},
		{"missing threshold", "", http.StatusBadRequest, nil},
		{"non-numeric", "?threshold=warm", http.StatusBadRequest, nil},
		{"nan", "?threshold=NaN", http.StatusBadRequest, nil},
		{"invalid condition", "?threshold=20&condition=equal", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := get(t, h.HandleSearchTemperature, "/api/search-temperature"+tt.query)
			require.Equal(t, tt.status, rr.Code, rr.Body.String())
			if tt.status != http.StatusOK {
				var body map[string]string
				require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
				require.NotEmpty(t, body["error"])
				return
			}
			var got []ReadingView
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
			temps := make([]float64, len(got))
			for i, r := range got {
				temps[i] = r.Temperature
			}
			require.Equal(t, tt.temps, temps)
		})
	}
}

func TestHandleStats(t *testing.T) {
	h := newHandler(t, 10, 20, 30)

	rr := get(t, h.HandleStats, "/api/stats?window=1h")
	require.Equal(t, http.StatusOK, rr.Code)
	var st Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	require.Equal(t, 3, st.Count)
	require.Equal(t, 30.0, st.Temperature.Max)

	require.Equal(t, http.StatusBadRequest, get(t, h.HandleStats, "/api/stats?window=soon").Code)
	require.Equal(t, http.StatusBadRequest, get(t, h.HandleStats, "/api/stats?window=-1h").Code)
	require.Equal(t, http.StatusBadRequest, get(t, h.HandleStats, "/api/stats?window=1000h").Code)
}

type brokenStore struct{ storage.Store }

func (brokenStore) RecentReadings(context.Context, int) ([]storage.Reading, error) {
	return nil, errors.New("database is locked")
}

func TestHandleGetDataStoreError(t *testing.T) {
	h := NewHandler(NewService(brokenStore{memory.New()}, nil))
	rr := get(t, h.HandleGetData, "/api/get-data")
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Contains(t, rr.Body.String(), "database is locked")
}
