package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWireMessage(t *testing.T) {
	msg, ok := WireMessage(fmt.Errorf("registration failed: %w", ErrChallengeExpired))
	assert.True(t, ok)
	assert.Equal(t, ErrChallengeExpired.Error(), msg)

	msg, ok = WireMessage(Invalid("endpoint", "required"))
	assert.True(t, ok)
	assert.Equal(t, "invalid endpoint: required", msg)

	msg, ok = WireMessage(errors.New("redis exploded"))
	assert.False(t, ok)
	assert.Equal(t, "internal error", msg)
}

func TestFromWireMessage(t *testing.T) {
	assert.ErrorIs(t, FromWireMessage(ErrRequestNotFound.Error()), ErrRequestNotFound)
	assert.ErrorIs(t, FromWireMessage(ErrInvalidSignature.Error()), ErrInvalidSignature)
	assert.EqualError(t, FromWireMessage("something else"), "something else")
}

func TestIsAuthFailure(t *testing.T) {
	assert.True(t, IsAuthFailure(fmt.Errorf("x: %w", ErrChallengeMismatch)))
	assert.False(t, IsAuthFailure(ErrRequestNotFound))
}

func TestPermissionStatus_Resolved(t *testing.T) {
	assert.False(t, PermissionPending.Resolved())
	assert.True(t, PermissionAccepted.Resolved())
	assert.True(t, PermissionRejected.Resolved())
}
