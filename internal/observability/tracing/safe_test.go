package tracing

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsUserData(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/v1/wallet"),
		attribute.String("user_id", "42"),
		attribute.String("activity_type", "song_play"),
	)
	assert.Len(t, attrs, 2)
	for _, attr := range attrs {
		assert.NotEqual(t, attribute.Key("user_id"), attr.Key)
	}
}

func TestSafeErrorDropsWrappedDetail(t *testing.T) {
	driver := errors.New("pq: password authentication failed for user kora")
	wrapped := fmt.Errorf("ledger unavailable: %w", fmt.Errorf("lock wallet: %w", driver))

	assert.EqualError(t, SafeError(wrapped), "ledger unavailable")
	assert.EqualError(t, SafeError(errors.New("boom")), "boom")
	assert.Nil(t, SafeError(nil))
}
