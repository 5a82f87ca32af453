package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOfWalksWrappedChain(t *testing.T) {
	base := Wrap(KindSandboxConnection, "connect old sandbox", errors.New("dial timeout"))
	wrapped := fmt.Errorf("migrate: %w", base)

	require.Equal(t, KindSandboxConnection, KindOf(wrapped))
	require.True(t, Is(wrapped, KindSandboxConnection))
	require.False(t, Is(wrapped, KindRestore))
	require.Equal(t, "dial timeout", From(wrapped).Details)
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	err := errors.New("boom")
	require.Equal(t, KindInternal, KindOf(err))

	e := From(err)
	require.Equal(t, KindInternal, e.Kind)
	require.ErrorIs(t, e, err)
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:        http.StatusBadRequest,
		KindNoSandbox:         http.StatusBadRequest,
		KindNotFound:          http.StatusNotFound,
		KindDuplicateName:     http.StatusConflict,
		KindStorage:           http.StatusBadGateway,
		KindSandboxConnection: http.StatusBadGateway,
		KindDatabase:          http.StatusInternalServerError,
		KindMigrationSnapshot: http.StatusInternalServerError,
		KindInternal:          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		require.Equal(t, want, HTTPStatus(kind), kind)
	}
}
