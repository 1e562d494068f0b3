package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCodeThroughChain(t *testing.T) {
	t.Parallel()

	cause := stdErrors.New("connection refused")
	err := fmt.Errorf("place order: %w", Wrap(CodeTransport, cause, "POST /orders"))

	assert.Equal(t, CodeTransport, CodeOf(err))
	assert.True(t, HasCode(err, CodeTransport))
	assert.Equal(t, "execution_error", KindOf(err))
	assert.True(t, RetryableError(err))
	assert.True(t, stdErrors.Is(err, cause))
	assert.Equal(t, "POST /orders: connection refused", MessageOf(err))
}

func TestIsMatchesByCode(t *testing.T) {
	t.Parallel()

	sentinel := New(CodeStorageFailure, "")
	err := Wrap(CodeStorageFailure, stdErrors.New("disk full"), "put order")
	assert.True(t, stdErrors.Is(err, sentinel))
	assert.False(t, stdErrors.Is(err, New(CodeValidation, "")))
}

func TestOverridesWinOverRegistry(t *testing.T) {
	t.Parallel()

	err := New(CodeValidation, "quantity must be positive",
		WithAlert(true),
		WithSeverity(SeverityCritical),
		WithRetryable(true),
		WithMetadata("ticker", "7203"),
	)
	assert.True(t, err.ShouldAlert())
	assert.True(t, err.Retryable())
	assert.Equal(t, SeverityCritical, err.Severity())
	assert.Equal(t, map[string]string{"ticker": "7203"}, err.Metadata())
}

func TestUnregisteredCodeFallsBack(t *testing.T) {
	t.Parallel()

	attr := AttributesOf(Code("NEVER_REGISTERED"))
	assert.Equal(t, AttributesOf(CodeUnknown), attr)
	assert.Equal(t, "system_error", KindOf(stdErrors.New("plain")))
	assert.Equal(t, "plain", MessageOf(stdErrors.New("plain")))
}

func TestRegisterAddsCode(t *testing.T) {
	code := Code("TEST_REGISTERED")
	Register(code, Attributes{Message: "registered", Kind: "registered", Severity: SeverityInfo})

	require.Contains(t, Codes(), code)
	assert.Equal(t, "registered", New(code, "").Message())
}
