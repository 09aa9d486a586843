package ingest

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/nicktill/sensorvault/pkg/config"
	"github.com/nicktill/sensorvault/pkg/httpx"
	"github.com/nicktill/sensorvault/pkg/logging"
)

// KeyIDHeader optionally selects the device key used to decrypt a payload.
const KeyIDHeader = "X-Key-ID"

// Handler serves POST /api/post-data.
type Handler struct {
	pipeline     *Pipeline
	maxBodyBytes int64
	log          *slog.Logger
}

// NewHandler creates an ingest handler. maxBodyBytes <= 0 uses the default.
func NewHandler(p *Pipeline, maxBodyBytes int64) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = config.DefaultMaxBodyBytes
	}
	return &Handler{pipeline: p, maxBodyBytes: maxBodyBytes, log: logging.Component("ingest")}
}

// HandlePostData accepts one encrypted reading as the raw request body.
func (h *Handler) HandlePostData(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.RespondErrorString(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		httpx.RespondErrorString(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	_, err = h.pipeline.Ingest(r.Context(), body, r.Header.Get(KeyIDHeader))
	if err != nil {
		status := StatusCode(err)
		if status == http.StatusInternalServerError {
			h.log.Error("ingest failed", "remote", r.RemoteAddr, "error", err)
			httpx.RespondErrorString(w, status, "failed to store reading")
			return
		}
		h.log.Warn("rejected payload", "remote", r.RemoteAddr, "error", err)
		httpx.RespondError(w, status, err)
		return
	}

	httpx.RespondMessage(w, "data received")
}
