package job

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound              = errors.New("job not found")
	ErrDuplicateName         = errors.New("job name already exists")
	ErrAlreadyRunning        = errors.New("job already running")
	ErrUnknownHandler        = errors.New("no handler registered for job type")
	ErrUnsupportedSchedule   = errors.New("unsupported schedule")
	ErrDependencyUnsatisfied = errors.New("job dependencies not satisfied")
	ErrExecutionFinalized    = errors.New("execution already finalized")
	ErrInvalidTransition     = errors.New("invalid status transition")
)

// Error codes persisted on ErrorInfo.Code when the handler did not set one.
const (
	CodeTimeout             = "timeout"
	CodeCancelled           = "cancelled"
	CodePanic               = "panic"
	CodeUnsupportedSchedule = "unsupported_schedule"
	CodeUnknownHandler      = "unknown_handler"
	CodeAttemptsExhausted   = "attempts_exhausted"
)

// ValidationError rejects a definition at scheduling time. No record is
// created when it is returned.
type ValidationError struct {
	Field  string
	Reason string
	cause  error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid job definition: " + e.Reason
	}
	return fmt.Sprintf("invalid job definition: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.cause }

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InvalidCause builds a ValidationError that keeps cause reachable via errors.Is.
func InvalidCause(field string, cause error) error {
	return &ValidationError{Field: field, Reason: cause.Error(), cause: cause}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// HandlerError is the structured failure a handler returns.
type HandlerError struct {
	Message string
	Code    string
	Details []string
	cause   error
}

func (e *HandlerError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

func (e *HandlerError) Unwrap() error { return e.cause }

// NewHandlerError builds a HandlerError with optional details.
func NewHandlerError(code, message string, details ...string) error {
	return &HandlerError{Code: code, Message: message, Details: details}
}

// WrapHandlerError attaches a code to an arbitrary cause.
func WrapHandlerError(cause error, code string, details ...string) error {
	if cause == nil {
		return nil
	}
	return &HandlerError{Code: code, Message: cause.Error(), Details: details, cause: cause}
}

// TimeoutError marks a run whose handler did not return within its timeout.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("handler exceeded timeout of %s", e.Timeout)
}

// Is lets errors.Is(err, context.DeadlineExceeded) match a timeout.
func (e *TimeoutError) Is(target error) bool { return target == context.DeadlineExceeded }

func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

// UnsupportedScheduleError is returned when the calculator cannot compute a
// next run. Retrying such a job never helps.
type UnsupportedScheduleError struct {
	Expr   string
	Reason string
}

func (e *UnsupportedScheduleError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unsupported schedule %q", e.Expr)
	}
	return fmt.Sprintf("unsupported schedule %q: %s", e.Expr, e.Reason)
}

func (e *UnsupportedScheduleError) Is(target error) bool { return target == ErrUnsupportedSchedule }

func Unsupported(expr, reason string) error {
	return &UnsupportedScheduleError{Expr: expr, Reason: reason}
}

// ToErrorInfo converts any run error into its persisted form.
func ToErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Message: err.Error()}

	var he *HandlerError
	switch {
	case errors.As(err, &he):
		info.Code = he.Code
		info.Details = append(info.Details, he.Details...)
	case IsTimeout(err):
		info.Code = CodeTimeout
	case errors.Is(err, ErrUnsupportedSchedule):
		info.Code = CodeUnsupportedSchedule
	case errors.Is(err, ErrUnknownHandler):
		info.Code = CodeUnknownHandler
	case errors.Is(err, context.Canceled):
		info.Code = CodeCancelled
	}
	info.Details = append(info.Details, errors.GetAllDetails(err)...)
	if len(info.Details) == 0 {
		info.Details = nil
	}
	return info
}
