package apierrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", Validation("origin latitude out of range"), http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"routing", ErrRouteNotFound, http.StatusUnprocessableEntity, "ROUTING_ERROR"},
		{"engine outage", ErrEngineUnavailable, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{"risk zone outage", ErrRiskZoneUnavailable, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{"not found", NotFound("Risk zone"), http.StatusNotFound, "NOT_FOUND"},
		{"unknown error", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.status, Status(tc.err))
			assert.Equal(t, tc.code, Code(tc.err))
		})
	}
}

func TestSentinelMatching(t *testing.T) {
	t.Run("wrapped copies still match with errors.Is", func(t *testing.T) {
		wrapped := Wrap(ErrEngineUnavailable, "connect refused: %s", "localhost:8002")
		assert.True(t, errors.Is(wrapped, ErrEngineUnavailable))
		assert.False(t, errors.Is(wrapped, ErrRiskZoneUnavailable))
	})

	t.Run("fmt wrapping preserves the kind", func(t *testing.T) {
		err := fmt.Errorf("loading snapshot: %w", Wrap(ErrRiskZoneUnavailable, "no rows"))
		assert.True(t, errors.Is(err, ErrRiskZoneUnavailable))
		assert.Equal(t, http.StatusServiceUnavailable, Status(err))
	})
}

func TestSanitize(t *testing.T) {
	t.Run("passes clean messages through", func(t *testing.T) {
		assert.Equal(t, "No route found", Sanitize("No route found"))
	})

	t.Run("redacts internal detail", func(t *testing.T) {
		for _, msg := range []string{
			"pq: connection refused",
			"SELECT * FROM risk_zones failed",
			"open /app/data/zones.json: no such file",
			"invalid password for user",
			"dial tcp: postgres://localhost refused",
		} {
			assert.Equal(t, "An internal error occurred. Please try again later.", Sanitize(msg))
		}
	})

	t.Run("truncates overlong messages", func(t *testing.T) {
		long := ""
		for i := 0; i < 30; i++ {
			long += "abcdefghij"
		}
		out := Sanitize(long)
		assert.Len(t, out, 203)
	})
}

func TestEnvelope(t *testing.T) {
	env := Envelope(Wrap(ErrEngineUnavailable, "dial tcp refused"), "ab12cd34")
	assert.Equal(t, "SERVICE_UNAVAILABLE", env.Error.Code)
	assert.Equal(t, "ab12cd34", env.Error.RequestID)
	// The internal cause never leaks.
	assert.NotContains(t, env.Error.Message, "dial tcp")
}
