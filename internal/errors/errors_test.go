package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDerivesClassification(t *testing.T) {
	tests := []struct {
		code      string
		category  Category
		retryable bool
	}{
		{ErrCodeConfigInvalid, CategoryConfig, false},
		{ErrCodeFileNotFound, CategoryIO, false},
		{ErrCodeFileReadRace, CategoryIO, true},
		{ErrCodeModelDownload, CategoryNetwork, false},
		{ErrCodeNetworkTimeout, CategoryNetwork, true},
		{ErrCodeDuplicateFolder, CategoryValidation, false},
		{ErrCodeEmbeddingFailed, CategoryInternal, true},
		{ErrCodeWorkerCrashed, CategoryInternal, true},
	}

	for _, tt := range tests {
		err := New(tt.code, "boom")
		assert.Equal(t, tt.category, err.Category, tt.code)
		assert.Equal(t, tt.retryable, err.Retryable, tt.code)
	}
}

func TestValidationErrorsAreWarnings(t *testing.T) {
	err := New(ErrCodeDuplicateFolder, "name taken")
	assert.Equal(t, SeverityWarning, err.Severity)
}

func TestCorruptIndexIsFatal(t *testing.T) {
	err := New(ErrCodeCorruptIndex, "unreadable snapshot")
	assert.Equal(t, SeverityFatal, err.Severity)
}

func TestErrorFormat(t *testing.T) {
	err := New(ErrCodeInvalidPath, "no such directory")
	assert.Equal(t, "[ERR_402_INVALID_PATH] no such directory", err.Error())
}

func TestUnwrapAndIs(t *testing.T) {
	cause := fmt.Errorf("underlying")
	err := Wrap(cause, ErrCodeParseFailed, "parsing document")

	assert.True(t, stderrors.Is(err, New(ErrCodeParseFailed, "other msg")))
	assert.Equal(t, cause, stderrors.Unwrap(err))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "noop"))
}

func TestCodeOf(t *testing.T) {
	inner := New(ErrCodeEmbeddingFailed, "batch failed")
	wrapped := fmt.Errorf("task 3: %w", inner)

	assert.Equal(t, ErrCodeEmbeddingFailed, CodeOf(wrapped))
	assert.Equal(t, ErrCodeInternal, CodeOf(fmt.Errorf("plain")))
	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsRetryable(fmt.Errorf("plain")))
}

func TestWithDetailAndSuggestion(t *testing.T) {
	err := New(ErrCodeInvalidModel, "unknown model").
		WithDetail("model", "bogus-v1").
		WithSuggestion("run models.list for supported ids")

	assert.Equal(t, "bogus-v1", err.Details["model"])
	assert.NotEmpty(t, err.Suggestion)
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryExhausted(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return fmt.Errorf("always")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts) // initial + 2 retries
}

func TestRetryRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, DefaultRetryConfig(), func() error {
		return fmt.Errorf("never retried")
	})

	assert.ErrorIs(t, err, context.Canceled)
}
