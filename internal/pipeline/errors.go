package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors returned synchronously to callers of supervisor operations.
var (
	// ErrInvalidState means the operation is not valid for the job's status.
	ErrInvalidState = errors.New("operation not valid for current job status")
	// ErrAlreadyRunning means a runner is already active for the job id.
	ErrAlreadyRunning = errors.New("job already running")
	// ErrNotFound means no job or active runner exists for the id.
	ErrNotFound = errors.New("not found")
)

// FailureKind classifies why a stage executor failed.
type FailureKind string

const (
	// FailureNotFound: a required input (e.g. a simulated library entry for
	// a target language) does not exist.
	FailureNotFound FailureKind = "not_found"
	// FailureProvider: the external provider reported the work failed.
	FailureProvider FailureKind = "provider_error"
	// FailureTransport: a network/transport fault reaching the provider.
	FailureTransport FailureKind = "transport_error"
	// FailureTimeout: the stage exceeded its configured upper bound.
	FailureTimeout FailureKind = "timeout"
)

// StageError is the failure arm of a stage outcome. A nil error from an
// executor means success with a payload; a *StageError means failure with a
// kind and message, never both.
type StageError struct {
	Kind    FailureKind
	Message string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Failf builds a StageError with a formatted message.
func Failf(kind FailureKind, format string, args ...any) *StageError {
	return &StageError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsStageError normalizes any executor error into a StageError so the runner
// always records a classified failure.
func AsStageError(err error) *StageError {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	return &StageError{Kind: FailureProvider, Message: err.Error()}
}
