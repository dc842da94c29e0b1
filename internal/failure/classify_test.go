package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		msg   string
		retry bool
		cat   Category
	}{
		{"Invalid bot token", false, Permanent},
		{"token expired; Expired token supplied", false, Permanent},
		{"telegram: Unauthorized (401)", false, Permanent},
		{"Forbidden: bot was blocked by the user", false, Permanent},
		{"Bad Request: chat not found", false, Permanent},
		{"Invalid recipient", false, Permanent},
		{"smtp: 550 unknown user", false, Permanent},
		{"malformed payload", false, Permanent},
		{"permission denied", false, Permanent},
		{"Authentication failed", false, Permanent},

		{"Connection timeout", true, Transient},
		{"operation timed out after 10s", true, Transient},
		{"context deadline exceeded", true, Transient},
		{"dial tcp: connection refused", true, Transient},
		{"Too Many Requests: retry after 5", true, Transient},
		{"rate limited", true, Transient},
		{"Service unavailable", true, Transient},
		{"temporary failure in name resolution", true, Transient},
		{"502 Bad Gateway", true, Transient},
		{"internal error", true, Transient},
		{"circuit breaker is open: service unavailable", true, Transient},

		{"something odd happened", true, Unknown},
		{"", true, Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			got := Classify(errors.New(tt.msg))
			assert.Equal(t, tt.retry, got.ShouldRetry)
			assert.Equal(t, tt.cat, got.Category)
		})
	}
}

func TestClassifyPermanentWinsOverTransient(t *testing.T) {
	got := ClassifyMessage("timeout while validating: invalid token")
	assert.Equal(t, Classification{ShouldRetry: false, Category: Permanent}, got)
}

func TestClassifyWrappedAndNil(t *testing.T) {
	wrapped := fmt.Errorf("send chat: %w", errors.New("INVALID RECIPIENT"))
	assert.False(t, Classify(wrapped).ShouldRetry)
	assert.Equal(t, Classification{ShouldRetry: true, Category: Unknown}, Classify(nil))
}

func TestOrDefault(t *testing.T) {
	assert.Equal(t, Unknown, OrDefault(nil)(errors.New("x")).Category)
	custom := func(error) Classification { return Classification{Category: Permanent} }
	assert.Equal(t, Permanent, OrDefault(custom)(nil).Category)
}
