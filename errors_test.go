package xlink

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_UnwrapsToSentinel(t *testing.T) {
	err := &Error{Code: CodeMethodCallTimeout, Message: "5s elapsed", Channel: "k-1", Time: 1}
	assert.True(t, errors.Is(err, ErrMethodCallTimeout))
	assert.False(t, errors.Is(err, ErrConnectionDestroyed))
	assert.Contains(t, err.Error(), "method_call_timeout")
	assert.Contains(t, err.Error(), "5s elapsed")
}

func TestError_EveryCodeHasASentinel(t *testing.T) {
	codes := []ErrorCode{
		CodeConnectionDestroyed, CodeConnectionTimeout, CodeMethodCallTimeout,
		CodeMethodNotFound, CodeTransmissionFailed, CodeMessageSizeExceeded,
		CodeRateLimitExceeded, CodeHandlerError, CodeInvalidMessage, CodeOriginMismatch,
	}
	for _, code := range codes {
		err := &Error{Code: code}
		assert.NotNil(t, errors.Unwrap(err), "code %s", code)
		assert.NotEmpty(t, err.Error())
	}
}

func TestErrUnknownTransport(t *testing.T) {
	_, err := NewTransport("no-such-backend", nil)
	assert.Error(t, err)
	var unknown ErrUnknownTransport
	assert.True(t, errors.As(err, &unknown))
}
