package engine

import (
	"errors"
	"fmt"
)

// Error codes surfaced on failed requests.
const (
	ErrCodeUnreachable   = "UNREACHABLE"
	ErrCodeHandlerFault  = "HANDLER_FAULT"
	ErrCodePoolExhausted = "POOL_EXHAUSTED"
	ErrCodeBadMessage    = "BAD_MESSAGE"
	ErrCodeShutdown      = "SHUTDOWN"
)

// Sentinels for errors.Is checks.
var (
	ErrUnreachable  = errors.New("engine: destination pe unreachable")
	ErrHandlerFault = errors.New("engine: handler faulted")
	ErrShutdown     = errors.New("engine: runtime shut down")
)

// RuntimeError carries an error code alongside the message, mirroring how
// the transport layer reports structured failures.
type RuntimeError struct {
	Code    string
	Message string
	Cause   error
}

func (e *RuntimeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RuntimeError) Unwrap() error { return e.Cause }

// Is maps codes onto the package sentinels so callers can use errors.Is
// without reaching into the struct.
func (e *RuntimeError) Is(target error) bool {
	switch target {
	case ErrUnreachable:
		return e.Code == ErrCodeUnreachable
	case ErrHandlerFault:
		return e.Code == ErrCodeHandlerFault
	case ErrShutdown:
		return e.Code == ErrCodeShutdown
	}
	return false
}

func unreachableErr(pe int, cause error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeUnreachable,
		Message: fmt.Sprintf("pe %d not reachable at send time", pe),
		Cause:   cause,
	}
}

func faultErr(msg string) *RuntimeError {
	return &RuntimeError{Code: ErrCodeHandlerFault, Message: msg}
}
