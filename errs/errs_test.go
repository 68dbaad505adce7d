package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransportWrapsAndUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := Transport("dial peer", cause)

	assert.True(t, IsTransport(err))
	assert.False(t, IsDecode(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "dial peer: connection reset", err.Error())
}

func TestIsPredicatesDistinguishKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		is   func(error) bool
	}{
		{"transport", Transport("x", nil), IsTransport},
		{"decode", Decode("x", nil), IsDecode},
		{"protocol-version", ProtocolVersion("x"), IsProtocolVersion},
		{"delegate", Delegate("x", nil), IsDelegate},
		{"keyring-not-found", ErrNotFound, IsKeyring},
		{"keyring-remove-primary", ErrRemovePrimaryKey, IsKeyring},
		{"resource-too-many", ErrTooManyPushPulls, IsResource},
		{"resource-too-large", ErrPayloadTooLarge, IsResource},
		{"cancelled", Cancelled, IsCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.is(tt.err))
		})
	}
}

func TestIsPredicateRejectsOtherKinds(t *testing.T) {
	err := Decode("bad frame", nil)
	assert.False(t, IsTransport(err))
	assert.False(t, IsKeyring(err))
	assert.False(t, IsResource(err))
}

func TestIsPredicateUnwrapsThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("context: %w", Transport("dial", errors.New("refused")))
	assert.True(t, IsTransport(err))
}

func TestIsPredicateNilIsFalse(t *testing.T) {
	assert.False(t, IsTransport(nil))
	assert.False(t, IsKeyring(nil))
}
