package statemachine

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies state machine runtime errors.
type ErrorCode int

const (
	CodeDuplicateRegistration ErrorCode = iota
	CodeUnknownEventType
	CodeNoSuchMachine
	CodeAlreadyStarted
	CodeNotStarted
	CodeAlreadyRegistered
	CodeInvalidDescriptor
	CodeTransitionFault
	CodePersistence
	CodeMachineBusy
	CodeDraining
	CodeReentrantDispatch
)

func (c ErrorCode) String() string {
	switch c {
	case CodeDuplicateRegistration:
		return "DUPLICATE_REGISTRATION"
	case CodeUnknownEventType:
		return "UNKNOWN_EVENT_TYPE"
	case CodeNoSuchMachine:
		return "NO_SUCH_MACHINE"
	case CodeAlreadyStarted:
		return "ALREADY_STARTED"
	case CodeNotStarted:
		return "NOT_STARTED"
	case CodeAlreadyRegistered:
		return "ALREADY_REGISTERED"
	case CodeInvalidDescriptor:
		return "INVALID_DESCRIPTOR"
	case CodeTransitionFault:
		return "TRANSITION_FAULT"
	case CodePersistence:
		return "PERSISTENCE_ERROR"
	case CodeMachineBusy:
		return "MACHINE_BUSY"
	case CodeDraining:
		return "DRAINING"
	case CodeReentrantDispatch:
		return "REENTRANT_DISPATCH"
	default:
		return "UNKNOWN"
	}
}

// Error is the error type returned by the runtime. MachineID, State and
// Event are filled when known.
type Error struct {
	Code      ErrorCode
	Message   string
	MachineID string
	State     string
	Event     string
	Cause     error
	Timestamp time.Time
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now(),
	}
}

// IsCode reports whether err is a runtime *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Drop reasons reported through DropListener and the dropped-events metric.
const (
	DropNoSuchMachine     = "no_such_machine"
	DropUnknownEventType  = "unknown_event_type"
	DropMachineBusy       = "machine_busy"
	DropDraining          = "draining"
	DropEvicted           = "evicted"
	DropReentrantDispatch = "reentrant_dispatch"
	DropStaleTimeout      = "stale_timeout"
	DropUndelivered       = "undelivered_drain"
)
