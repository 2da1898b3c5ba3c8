package apierrors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMessageIncludesCauseWhenWrapped(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(CodeInternal, "internal error", http.StatusInternalServerError, cause)
	require.Contains(t, err.Error(), "boom")
	require.ErrorIs(t, err, cause)
}

func TestMatchFullCarriesDetails(t *testing.T) {
	err := MatchFull(1, 1)
	require.Equal(t, CodeMatchFull, err.Code)
	require.Equal(t, http.StatusConflict, err.HTTPStatus)
	require.Equal(t, 1, err.Details["playerLimit"])
	require.Equal(t, 1, err.Details["currentPlayers"])
}

func TestAsExtractsStructuredError(t *testing.T) {
	var err error = NotFound("match", "42")
	e, ok := As(err)
	require.True(t, ok)
	require.Equal(t, CodeNotFound, e.Code)
}

func TestWithDetailChains(t *testing.T) {
	err := BadRequest("bad").WithDetail("field", "x").WithDetail("reason", "y")
	require.Equal(t, "x", err.Details["field"])
	require.Equal(t, "y", err.Details["reason"])
}
