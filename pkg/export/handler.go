package export

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/nicktill/sensorvault/pkg/clock"
	"github.com/nicktill/sensorvault/pkg/config"
	"github.com/nicktill/sensorvault/pkg/httpx"
	"github.com/nicktill/sensorvault/pkg/logging"
	"github.com/nicktill/sensorvault/pkg/storage"
)

// maxImportBytes bounds the size of an import request body.
const maxImportBytes = 64 << 20

// Handler handles export/import HTTP endpoints
type Handler struct {
	exporter *Exporter
	importer *Importer
	clock    clock.Clock
	log      *slog.Logger
}

// NewHandler creates a new export/import handler
func NewHandler(store storage.Store, c clock.Clock) *Handler {
	if c == nil {
		c = clock.Real()
	}
	return &Handler{
		exporter: NewExporter(store, c),
		importer: NewImporter(store, c),
		clock:    c,
		log:      logging.Component("export"),
	}
}

// HandleExport handles GET /api/export
// Query params:
//   - format: json, csv or parquet (default: json)
//   - start: RFC3339 or unix seconds (default: end - 24h)
//   - end: RFC3339 or unix seconds (default: now)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	format, err := ParseFormat(query.Get("format"))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	now := h.clock.Now()
	end, err := parseTimeParam(query.Get("end"), now)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid end: %w", err))
		return
	}
	start, err := parseTimeParam(query.Get("start"), end.Add(-config.DefaultExportWindow))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid start: %w", err))
		return
	}

	if !start.Before(end) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must be before end")
		return
	}
	if end.Sub(start) > config.MaxExportWindow {
		httpx.RespondErrorString(w, http.StatusBadRequest,
			fmt.Sprintf("time range too large, maximum is %v", config.MaxExportWindow))
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=sensorvault-export-%s.%s", now.Format("20060102-150405"), format))

	result, err := h.exporter.Export(r.Context(), w, Options{Start: start.Unix(), End: end.Unix(), Format: format})
	if err != nil {
		// The body may be partly written; the error reply is best effort.
		h.log.Error("export failed", "error", err)
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("export failed: %w", err))
		return
	}

	h.log.Info("readings exported", "count", result.ReadingsExported, "format", format, "range", result.TimeRange)
}

// HandleImport handles POST /api/import with a JSON export body.
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType != "application/json" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Content-Type must be application/json")
		return
	}

	result, err := h.importer.ImportFromJSON(r.Context(), http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		h.log.Error("import failed", "error", err)
		status := http.StatusInternalServerError
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			status = http.StatusRequestEntityTooLarge
		case errors.Is(err, ErrInvalidDocument):
			status = http.StatusBadRequest
		}
		if result != nil && result.Partial {
			httpx.RespondJSON(w, status, PartialImportResponse{
				Error:  fmt.Sprintf("import failed: %v", err),
				Result: result,
			})
			return
		}
		httpx.RespondError(w, status, fmt.Errorf("import failed: %w", err))
		return
	}

	if n := len(result.Errors); n > 0 {
		h.log.Warn("import completed with validation errors", "errors", n, "first", result.Errors[0])
	}
	h.log.Info("readings imported", "count", result.ReadingsImported,
		"batches", result.BatchesWritten, "range", result.TimeRange)

	httpx.RespondJSON(w, http.StatusOK, result)
}

// PartialImportResponse is returned when an import stopped after writing
// some readings.
type PartialImportResponse struct {
	Error  string        `json:"error"`
	Result *ImportResult `json:"result"`
}

// parseTimeParam parses RFC3339 or unix seconds, or returns def when param
// is empty.
func parseTimeParam(param string, def time.Time) (time.Time, error) {
	if param == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, param); err == nil {
		return t, nil
	}
	if sec, err := strconv.ParseInt(param, 10, 64); err == nil {
		return time.Unix(sec, 0), nil
	}
	return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor unix seconds", param)
}
