package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timeledger/timeledger/internal/shared"
)

func TestRespondErrorMapsKinds(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{fmt.Errorf("hours: %w", shared.ErrValidation), http.StatusBadRequest, shared.KindValidation},
		{shared.ErrAuthorization, http.StatusForbidden, shared.KindAuthorization},
		{shared.ErrPrecondition, http.StatusUnprocessableEntity, shared.KindPrecondition},
		{shared.ErrInvalidState, http.StatusConflict, shared.KindInvalidState},
		{shared.ErrConflict, http.StatusConflict, shared.KindConflict},
		{shared.ErrNotFound, http.StatusNotFound, shared.KindNotFound},
		{shared.ErrNoRateFound, http.StatusUnprocessableEntity, shared.KindNoRateFound},
		{ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, tc.err)
		require.Equal(t, tc.status, rec.Code, tc.err.Error())
		var p ProblemDetail
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
		require.Equal(t, "urn:timeledger:problem:"+tc.kind, p.Type)
		require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	}

	rec := httptest.NewRecorder()
	RespondError(rec, errors.New("pq: connection refused"))
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	require.Empty(t, p.Detail)
}
