package iot

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("session ended: %w", NewError(StageHub, ErrNetwork, cause))

	assert.True(t, errors.Is(err, ErrNetwork))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrAuth))
	assert.Equal(t, StageHub, StageOf(err))
	assert.Equal(t, "session ended: hub: network error: connection refused", err.Error())
}

func TestErrorWithoutCause(t *testing.T) {
	err := NewError(StageProvisioning, ErrAuth, nil)
	assert.True(t, errors.Is(err, ErrAuth))
	assert.Equal(t, "provisioning: authorization error", err.Error())
	assert.Equal(t, "", StageOf(context.Canceled))
}
