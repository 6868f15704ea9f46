package cli

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStartSpinnerEnabled(t *testing.T) {
	t.Parallel()
	stop := startSpinner(true, io.Discard, "testing")
	require.NotNil(t, stop)
	stop()
	stop()
}

func TestStartSpinnerDisabled(t *testing.T) {
	t.Parallel()
	stop := startSpinner(false, io.Discard, "testing")
	require.NotNil(t, stop)
	stop()
}
