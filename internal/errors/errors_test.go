package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	cause := fmt.Errorf("connection reset")

	tests := []struct {
		name       string
		err        error
		transient  bool
		schema     bool
		validation bool
		fatal      bool
		severity   Severity
	}{
		{"validation", ValidationError("bad row"), false, false, true, false, SeverityLow},
		{"transient", TransientError(cause, "publish"), true, false, false, false, SeverityMedium},
		{"schema", SchemaErrorf("event %s: bad", "x"), false, true, false, false, SeverityHigh},
		{"wrapped schema", WrapSchema(cause, "decode"), false, true, false, false, SeverityHigh},
		{"config", WrapConfig(cause, "dial"), false, false, false, true, SeverityCritical},
		{"internal", InternalErrorf("broken %d", 1), false, false, false, true, SeverityCritical},
		{"deadline", context.DeadlineExceeded, true, false, false, false, SeverityMedium},
		{"canceled", context.Canceled, false, false, false, false, SeverityMedium},
		{"plain", cause, false, false, false, false, SeverityMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err), "IsTransient")
			assert.Equal(t, tt.schema, IsSchema(tt.err), "IsSchema")
			assert.Equal(t, tt.validation, IsValidation(tt.err), "IsValidation")
			assert.Equal(t, tt.fatal, IsFatal(tt.err), "IsFatal")
			assert.Equal(t, tt.severity, GetSeverity(tt.err))
		})
	}
}

func TestOutermostTypeWins(t *testing.T) {
	inner := TransientError(fmt.Errorf("timeout"), "write")
	outer := WrapSchema(inner, "rejected")

	assert.True(t, IsSchema(outer))
	assert.False(t, IsTransient(outer))

	// fmt wrapping keeps the classification
	wrapped := fmt.Errorf("apply: %w", inner)
	assert.True(t, IsTransient(wrapped))
}

func TestSentinels(t *testing.T) {
	err := fmt.Errorf("ctx: %w", TransientErrorf(fmt.Errorf("x"), "fetch partition %d", 3))

	assert.True(t, stderrors.Is(err, ErrTransient))
	assert.False(t, stderrors.Is(err, ErrSchema))
	assert.True(t, stderrors.Is(ConfigError("missing"), ErrConfig))
	assert.True(t, stderrors.Is(ValidationErrorf("line %d", 2), ErrValidation))
}

func TestErrorMessage(t *testing.T) {
	err := TransientError(fmt.Errorf("broker down"), "publish batch")
	assert.Equal(t, "publish batch: broker down", err.Error())
	assert.Equal(t, "TRANSIENT", GetType(err).String())

	e := ValidationError("bad age").WithContext("line", 7)
	assert.Equal(t, 7, e.Context["line"])
	assert.Contains(t, e.DetailedString(), "[LOW] [VALIDATION] bad age")
	assert.NotEmpty(t, e.StackTrace)
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorTypeTransient, SeverityMedium, "noop"))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsSchema(nil))
	assert.Equal(t, SeverityLow, GetSeverity(nil))
}
