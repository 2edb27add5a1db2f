package errreport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUtils_ErrReport_DisabledWithoutDSN(t *testing.T) {
	t.Parallel()

	flush, err := Init("", "test", "dev")
	require.NoError(t, err)
	require.NotNil(t, flush)
	flush()

	require.NotPanics(t, func() {
		Capture(t.Context(), errors.New("boom"), map[string]string{"creator_id": "c1"})
		Capture(t.Context(), nil, nil)
		span := StartSpan(t.Context(), "payout.transfer", "test")
		span.Finish()
	})
}

func TestUtils_ErrReport_InvalidDSN(t *testing.T) {
	t.Parallel()

	_, err := Init("not a dsn", "test", "dev")
	require.Error(t, err)
}
