package iot

import (
	"errors"
	"fmt"
)

// The error kinds. Use errors.Is to test an error returned by any of the iot packages
// against them.
var (
	// ErrKeyDecode means the shared key is not valid base64. It is fatal, there is no
	// point in retrying without new key material.
	ErrKeyDecode = errors.New("key decode error")
	// ErrNetwork is a connect, publish or subscribe failure. It is retryable.
	ErrNetwork = errors.New("network error")
	// ErrAuth means the service rejected the credential. A new credential is required
	// before retrying.
	ErrAuth = errors.New("authorization error")
	// ErrProtocol is a malformed or unexpected service response.
	ErrProtocol = errors.New("protocol error")
	// ErrSensor is a single sensor read or serialization failure.
	ErrSensor = errors.New("sensor error")
	// ErrTimeout means an attempt exceeded its deadline.
	ErrTimeout = errors.New("timeout")
)

// Stages of the device lifecycle, used in Error
const (
	StageSign         = "sign"
	StageProvisioning = "provisioning"
	StageHub          = "hub"
	StageInbound      = "inbound"
	StageOutbound     = "outbound"
	StageSensor       = "sensor"
)

// Error is a failure of one lifecycle stage. Kind is one of the error kinds above,
// Err is the underlying cause and may be nil.
type Error struct {
	Stage string
	Kind  error
	Err   error
}

// NewError returns a new stage error
func NewError(stage string, kind error, err error) *Error {
	return &Error{Stage: stage, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap returns both the kind and the cause, so errors.Is matches either of them
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// StageOf returns the stage of the first Error in err's chain, or an empty string
func StageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}
