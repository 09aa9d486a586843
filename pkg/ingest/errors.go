package ingest

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/nicktill/sensorvault/pkg/cipher"
)

var (
	// ErrParse is returned when the decrypted text is not a JSON object.
	ErrParse = errors.New("malformed reading JSON")

	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("invalid reading")

	// ErrPersistence is returned when the store rejected every attempt.
	ErrPersistence = errors.New("failed to persist reading")
)

// ValidationError names the field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// StatusCode maps a pipeline error to the HTTP status returned to devices.
// Anything that is not a client error is a 500.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, cipher.ErrDecode),
		errors.Is(err, cipher.ErrDecrypt),
		errors.Is(err, ErrParse),
		errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
