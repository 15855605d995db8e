package testlog

import (
	"testing"

	"github.com/rs/zerolog"
)

// New returns a logger that writes through t.Log so output is attributed to
// the running test.
func New(t *testing.T) zerolog.Logger {
	t.Helper()
	return zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
}
