package httpx

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRespondError(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, http.StatusBadRequest, errors.New("bad payload"))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	require.JSONEq(t, `{"error":"bad payload"}`, rr.Body.String())
}

func TestRespondMessage(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondMessage(rr, "data received")

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"message":"data received"}`, rr.Body.String())
}
