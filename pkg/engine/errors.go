package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass drives retry and recovery decisions.
type ErrorClass string

const (
	// ErrorClassTransient failures may succeed when the step is attempted
	// again: handler timeouts, oracle transport errors, unreachable hosts.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict means the step ran but the verifier found the
	// observed state did not match the expected outcome.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent failures are never retried: unknown capability,
	// dependency cycle, policy denial, invalid parameters.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes carried by EngineError.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeInvalidParameters  = "INVALID_PARAMETERS"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeCycleDetected      = "CYCLE_DETECTED"
	ErrCodeDeadlock           = "DEADLOCK"
	ErrCodeUnknownCapability  = "UNKNOWN_CAPABILITY"
	ErrCodePolicyDenied       = "POLICY_DENIED"
	ErrCodeHandlerFailed      = "HANDLER_FAILED"
	ErrCodeOutcomeNotAchieved = "OUTCOME_NOT_ACHIEVED"
	ErrCodeOracleFailed       = "ORACLE_FAILED"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeRetriesExhausted   = "RETRIES_EXHAUSTED"
)

// structuralCodes describe the plan itself, so neither retrying nor a
// debug pass can fix them. Handler parameter errors use
// ErrCodeInvalidParameters instead and stay open to the debug pass.
var structuralCodes = map[string]bool{
	ErrCodeCycleDetected:     true,
	ErrCodeDeadlock:          true,
	ErrCodeUnknownCapability: true,
	ErrCodeValidation:        true,
	ErrCodePolicyDenied:      true,
}

// EngineError is a classified error raised while planning or running a task.
// nolint:revive // the engine prefix keeps it apart from handler errors
type EngineError struct {
	Class   ErrorClass     `json:"class"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message"`
	Step    string         `json:"step,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func newEngineError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewTransientError returns a retryable error.
func NewTransientError(message string, err error) *EngineError {
	return newEngineError(ErrorClassTransient, message, err)
}

// NewConflictError returns an error for an outcome the verifier rejected.
func NewConflictError(message string, err error) *EngineError {
	return newEngineError(ErrorClassConflict, message, err)
}

// NewPermanentError returns an error that is never retried.
func NewPermanentError(message string, err error) *EngineError {
	return newEngineError(ErrorClassPermanent, message, err)
}

func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Step != "" {
		fmt.Fprintf(&b, " (step=%s)", e.Step)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another EngineError with the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

// WithStep records the step the error belongs to.
func (e *EngineError) WithStep(stepID string) *EngineError {
	e.Step = stepID
	return e
}

// WithCode sets the error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail attaches a key/value pair that is kept in JSON output.
func (e *EngineError) WithDetail(key string, value any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func asEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	ok := errors.As(err, &e)
	return e, ok
}

// ClassOf returns the class of the first EngineError in err's chain.
// Unclassified errors, such as plain handler errors, count as transient.
func ClassOf(err error) ErrorClass {
	if e, ok := asEngineError(err); ok {
		return e.Class
	}
	return ErrorClassTransient
}

// ErrorCode returns the code of the first EngineError in the chain, or "".
func ErrorCode(err error) string {
	if e, ok := asEngineError(err); ok {
		return e.Code
	}
	return ""
}

// IsPermanent reports whether err is classified permanent.
func IsPermanent(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassPermanent
}

// IsConflict reports whether err is a rejected outcome.
func IsConflict(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassConflict
}

// IsRetryable reports whether another attempt could succeed.
func IsRetryable(err error) bool {
	return err != nil && !IsPermanent(err)
}

// IsStructural reports whether err is a property of the plan itself.
func IsStructural(err error) bool {
	return structuralCodes[ErrorCode(err)]
}

// IsCancelled reports whether err stems from cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || ErrorCode(err) == ErrCodeCancelled
}
