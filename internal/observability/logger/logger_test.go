package logger

import (
	"context"
	"testing"

	obscontext "github.com/smallbiznis/kora/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsRequestFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithActor(ctx, "user", "42")

	WithContext(ctx, base).Info("hello")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "req-1", fields["request_id"])
		assert.Equal(t, "user", fields["actor_role"])
		assert.Equal(t, "42", fields["user_id"])
		_, hasTrace := fields["trace_id"]
		assert.False(t, hasTrace)
	}
}

func TestOperationFromSQL(t *testing.T) {
	assert.Equal(t, "SELECT", OperationFromSQL("select * from wallets"))
	assert.Equal(t, "UPDATE", OperationFromSQL("UPDATE promotions SET filled_slots = filled_slots + 1"))
	assert.Equal(t, "SET", OperationFromSQL("SET LOCAL lock_timeout = '5000ms'"))
	assert.Equal(t, "INSERT", OperationFromSQL("  INSERT INTO credit_transactions (id) VALUES (1)"))
	assert.Equal(t, "UNKNOWN", OperationFromSQL(""))
}
