package core

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameworkErrorWrapping(t *testing.T) {
	err := NewFrameworkError("dispatcher.Claim", "queue", ErrTaskNotFound).WithID("T1")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.Contains(t, err.Error(), "dispatcher.Claim")
	assert.Contains(t, err.Error(), "T1")
}

func TestFrameworkErrorMessageOnly(t *testing.T) {
	err := &FrameworkError{Message: "something broke"}
	assert.Equal(t, "something broke", err.Error())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrTransient))
	assert.True(t, IsRetryable(fmt.Errorf("wrap: %w", ErrTimeout)))
	assert.False(t, IsRetryable(ErrAgentNotFound))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(ErrTaskNotFound))
	assert.True(t, IsNotFound(ErrAgentNotFound))
	assert.False(t, IsNotFound(ErrConflict))
}

func TestIsConfigurationError(t *testing.T) {
	assert.True(t, IsConfigurationError(ErrInvalidConfiguration))
	assert.False(t, IsConfigurationError(ErrTimeout))
}

func TestIsConflict(t *testing.T) {
	assert.True(t, IsConflict(ErrNotOwner))
	assert.True(t, IsConflict(ErrAlreadyLocked))
	assert.False(t, IsConflict(ErrTimeout))
}
