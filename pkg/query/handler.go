package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/nicktill/sensorvault/pkg/config"
	"github.com/nicktill/sensorvault/pkg/httpx"
	"github.com/nicktill/sensorvault/pkg/storage"
)

// Handler serves the read-only query endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a new query handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// ReadingView is the wire shape of a reading.
type ReadingView struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Timestamp   int64   `json:"timestamp"`
}

// BucketView is the wire shape of an hourly bucket.
type BucketView struct {
	IntervalStart  int64   `json:"interval_start"`
	IntervalEnd    int64   `json:"interval_end"`
	AvgTemperature float64 `json:"avg_temperature"`
	AvgHumidity    float64 `json:"avg_humidity"`
	MinTemperature float64 `json:"min_temperature"`
	MaxTemperature float64 `json:"max_temperature"`
	MinHumidity    float64 `json:"min_humidity"`
	MaxHumidity    float64 `json:"max_humidity"`
}

func readingViews(readings []storage.Reading) []ReadingView {
	out := make([]ReadingView, len(readings))
	for i, r := range readings {
		out[i] = ReadingView{Temperature: r.Temperature, Humidity: r.Humidity, Timestamp: r.Timestamp}
	}
	return out
}

func bucketViews(buckets []storage.Bucket) []BucketView {
	out := make([]BucketView, len(buckets))
	for i, b := range buckets {
		out[i] = BucketView{
			IntervalStart:  b.IntervalStart,
			IntervalEnd:    b.IntervalEnd,
			AvgTemperature: b.AvgTemperature,
			AvgHumidity:    b.AvgHumidity,
			MinTemperature: b.MinTemperature,
			MaxTemperature: b.MaxTemperature,
			MinHumidity:    b.MinHumidity,
			MaxHumidity:    b.MaxHumidity,
		}
	}
	return out
}

// HandleGetData handles GET /api/get-data.
func (h *Handler) HandleGetData(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	readings, err := h.service.Recent(ctx)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("failed to query readings: %w", err))
		return
	}
	httpx.RespondJSON(w, http.StatusOK, readingViews(readings))
}

// HandleGetAggregatedData handles GET /api/get-aggregated-data.
func (h *Handler) HandleGetAggregatedData(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	buckets, err := h.service.AggregatedHistory(ctx)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("failed to query buckets: %w", err))
		return
	}
	httpx.RespondJSON(w, http.StatusOK, bucketViews(buckets))
}

// HandleSearchTemperature handles GET /api/search-temperature.
// threshold is required and may be zero; condition defaults to above.
func (h *Handler) HandleSearchTemperature(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	raw := q.Get("threshold")
	if raw == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "threshold parameter is required")
		return
	}
	threshold, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(threshold) || math.IsInf(threshold, 0) {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid threshold %q: must be a number", raw))
		return
	}

	dir, err := storage.ParseDirection(q.Get("condition"))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	readings, err := h.service.Search(ctx, threshold, dir)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("failed to search readings: %w", err))
		return
	}
	httpx.RespondJSON(w, http.StatusOK, readingViews(readings))
}

// HandleStats handles GET /api/stats?window=24h.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	window := config.DefaultStatsWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid window %q", raw))
			return
		}
		if d > config.MaxStatsWindow {
			httpx.RespondErrorString(w, http.StatusBadRequest,
				fmt.Sprintf("window %s exceeds maximum %s", d, config.MaxStatsWindow))
			return
		}
		window = d
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	stats, err := h.service.Stats(ctx, window)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		httpx.RespondError(w, status, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, stats)
}
