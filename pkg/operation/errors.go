package operation

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is returned by Outcome.Unpack when the operation was cancelled.
	ErrCancelled = errors.New("operation cancelled")

	// ErrCancelledOutcome is returned by decoders when the engine reports
	// that the job itself finished in a cancelled state.
	ErrCancelledOutcome = errors.New("engine reported cancelled outcome")

	// ErrClosed is returned for submissions against a closed registry.
	ErrClosed = errors.New("operation registry closed")

	// ErrNoRequester is returned when a spec has no way to reach the engine.
	ErrNoRequester = errors.New("no engine requester configured")

	// ErrAbandoned is returned by Future.Await when the caller stops waiting.
	// The operation itself stays pending.
	ErrAbandoned = errors.New("stopped waiting for operation")
)

// ValidationError reports malformed request parameters. It is raised before
// the engine is contacted and is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// PeerErrorCode classifies failures reported by, or while talking to, the engine
type PeerErrorCode string

const (
	PeerErrSendFailed    PeerErrorCode = "SEND_FAILED"
	PeerErrDisconnected  PeerErrorCode = "DISCONNECTED"
	PeerErrEngineFailure PeerErrorCode = "ENGINE_FAILURE"
	PeerErrUnknownMethod PeerErrorCode = "UNKNOWN_METHOD"
	PeerErrInvalidParams PeerErrorCode = "INVALID_PARAMS"
)

// PeerError is a failure reported by the engine for a submitted operation.
type PeerError struct {
	Code    PeerErrorCode
	Message string
	Err     error
}

func (e *PeerError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("engine error [%s]: %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("engine error [%s]: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("engine error [%s]: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("engine error [%s]", e.Code)
	}
}

func (e *PeerError) Unwrap() error {
	return e.Err
}

// DecodeError means the engine succeeded but its payload could not be interpreted.
type DecodeError struct {
	Alias string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s result: %v", e.Alias, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsDecode reports whether err is a DecodeError.
func IsDecode(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// IsPeer reports whether err is a PeerError.
func IsPeer(err error) bool {
	var pe *PeerError
	return errors.As(err, &pe)
}
