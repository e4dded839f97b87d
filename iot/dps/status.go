package dps

import "fmt"

// Reasons of a failed registration
const (
	ReasonUnauthorized     = "unauthorized"
	ReasonUnexpectedStatus = "unexpected status"
	ReasonUnexpectedCode   = "unexpected code"
	ReasonTimeout          = "timeout"
	ReasonCanceled         = "canceled"
	ReasonNetwork          = "network"
	ReasonInvalidPayload   = "invalid payload"
)

// Status is the status of a registration. It is one of Pending, Assigned or Failed.
// Assigned and Failed are terminal.
type Status interface {
	fmt.Stringer
	isStatus()
}

// Pending is a registration in progress. OperationID is empty until the service
// accepted the request.
type Pending struct {
	OperationID string
}

// Assigned is a successful registration
type Assigned struct {
	HubHost  string
	DeviceID string
}

// Failed is a failed registration. Err is an *iot.Error with stage and cause.
type Failed struct {
	Reason string
	Err    error
}

func (Pending) isStatus()  {}
func (Assigned) isStatus() {}
func (Failed) isStatus()   {}

func (p Pending) String() string {
	if len(p.OperationID) == 0 {
		return "pending"
	}
	return "pending (operation " + p.OperationID + ")"
}

func (a Assigned) String() string {
	return "assigned to " + a.HubHost + " as " + a.DeviceID
}

func (f Failed) String() string {
	return "failed: " + f.Reason
}

// Error implements error
func (f Failed) Error() string {
	if f.Err == nil {
		return f.String()
	}
	return f.Err.Error()
}

// Unwrap returns the cause
func (f Failed) Unwrap() error {
	return f.Err
}

// IsTerminal reports whether s is Assigned or Failed
func IsTerminal(s Status) bool {
	switch s.(type) {
	case Assigned, Failed:
		return true
	}
	return false
}
