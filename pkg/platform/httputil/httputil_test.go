package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "mutuelle/pkg/domain-errors"
)

func TestWriteError(t *testing.T) {
	t.Run("internal error omits description", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, dErrors.New(dErrors.CodeInternal, "db failed"))

		require.Equal(t, http.StatusInternalServerError, w.Code)
		var body map[string]string
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, "internal_error", body["error"])
		_, ok := body["error_description"]
		assert.False(t, ok, "error_description must be omitted for internal errors")
	})

	t.Run("bad request includes description", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid input"))

		require.Equal(t, http.StatusBadRequest, w.Code)
		var body map[string]string
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, "bad_request", body["error"])
		assert.Equal(t, "invalid input", body["error_description"])
	})

	t.Run("plain errors are internal", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, assert.AnError)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("each domain failure keeps its own code", func(t *testing.T) {
		cases := map[dErrors.Code]int{
			dErrors.CodeInvalidPeriod:         http.StatusBadRequest,
			dErrors.CodeNonPositiveAmount:     http.StatusBadRequest,
			dErrors.CodeWrongActorRole:        http.StatusForbidden,
			dErrors.CodeUnknownBeneficiary:    http.StatusNotFound,
			dErrors.CodeInvalidTransition:     http.StatusConflict,
			dErrors.CodeDuplicateSettlement:   http.StatusConflict,
			dErrors.CodeVoucherNotDispensed:   http.StatusConflict,
			dErrors.CodeAmountExceedsCeiling:  http.StatusUnprocessableEntity,
			dErrors.CodeIneligibleBeneficiary: http.StatusUnprocessableEntity,
		}
		for code, status := range cases {
			w := httptest.NewRecorder()
			WriteError(w, dErrors.Wrap(assert.AnError, code, "failed"))
			assert.Equal(t, status, w.Code, code)
			var body ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, string(code), body.Error)
		}
	})
}

type amountRequest struct {
	Amount int64 `json:"amount"`
}

func (r *amountRequest) Validate() error {
	if r.Amount <= 0 {
		return dErrors.New(dErrors.CodeNonPositiveAmount, "amount must be positive")
	}
	return nil
}

func TestDecodeAndPrepare(t *testing.T) {
	t.Run("valid body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":10}`))
		w := httptest.NewRecorder()
		req, ok := DecodeAndPrepare[amountRequest](w, r, nil, r.Context(), "req-1")
		require.True(t, ok)
		assert.Equal(t, int64(10), req.Amount)
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":10,"x":1}`))
		w := httptest.NewRecorder()
		_, ok := DecodeAndPrepare[amountRequest](w, r, nil, r.Context(), "req-1")
		require.False(t, ok)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("validation error written", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":0}`))
		w := httptest.NewRecorder()
		_, ok := DecodeAndPrepare[amountRequest](w, r, nil, r.Context(), "req-1")
		require.False(t, ok)
		var body ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, "non_positive_amount", body.Error)
	})
}
