package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a failure that may succeed if the deployment is re-run.
	// Examples: unreachable servers, load balancer timeouts.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a failure that re-running will not fix.
	// Examples: builder misuse, failing operations, broken predicates.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the error kind for programmatic handling.
	Code string `json:"code,omitempty"`

	// Server is the server the error is scoped to, if any.
	Server string `json:"server,omitempty"`

	// Node is the sequence node that produced the error, if any.
	Node string `json:"node,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Server != "" && e.Node != "" {
		return fmt.Sprintf("[%s] %s (server=%s, node=%s)%s",
			e.Class, e.Message, e.Server, e.Node, e.unwrapMessage())
	}
	if e.Server != "" {
		return fmt.Sprintf("[%s] %s (server=%s)%s",
			e.Class, e.Message, e.Server, e.unwrapMessage())
	}
	if e.Node != "" {
		return fmt.Sprintf("[%s] %s (node=%s)%s",
			e.Class, e.Message, e.Node, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithServer adds server context to an error.
func (e *EngineError) WithServer(server string) *EngineError {
	e.Server = server
	return e
}

// WithNode adds sequence node context to an error.
func (e *EngineError) WithNode(node string) *EngineError {
	e.Node = node
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodePlanFrozen       = "PLAN_FROZEN"
	ErrCodePredicateFailed  = "PREDICATE_EVALUATION_FAILED"
	ErrCodeOperationFailed  = "OPERATION_FAILED"
	ErrCodePostDeployment   = "POST_DEPLOYMENT_FAILED"
	ErrCodeCancelled        = "CANCELLATION_REQUESTED"
	ErrCodeFactsUnavailable = "FACTS_UNAVAILABLE"
	ErrCodeSuspendFailed    = "SUSPEND_FAILED"
)

// NewPlanFrozenError reports a builder mutation attempted after execution started.
func NewPlanFrozenError(action string) *EngineError {
	return NewPermanentError("sequence tree is frozen", nil).
		WithCode(ErrCodePlanFrozen).
		WithDetail("action", action)
}

// NewPredicateError reports a predicate that failed to evaluate.
func NewPredicateError(err error) *EngineError {
	return NewPermanentError("predicate evaluation failed", err).
		WithCode(ErrCodePredicateFailed)
}

// NewOperationFailedError reports an operation that completed unsuccessfully.
func NewOperationFailedError(operation string, err error) *EngineError {
	return NewPermanentError(fmt.Sprintf("operation %q failed", operation), err).
		WithCode(ErrCodeOperationFailed)
}

// NewPostDeploymentError reports a failure to resume a server after its work ran.
func NewPostDeploymentError(server string, err error) *EngineError {
	return NewTransientError("failed to resume server on load balancer", err).
		WithCode(ErrCodePostDeployment).
		WithServer(server)
}

// NewCancellationError reports a cooperative stop.
func NewCancellationError(err error) *EngineError {
	return NewPermanentError("cancellation requested", err).
		WithCode(ErrCodeCancelled)
}

func hasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsPlanFrozen returns true if err is a frozen-tree mutation error.
func IsPlanFrozen(err error) bool {
	return hasCode(err, ErrCodePlanFrozen)
}

// IsPredicateFailure returns true if err came from a failing predicate.
func IsPredicateFailure(err error) bool {
	return hasCode(err, ErrCodePredicateFailed)
}

// IsOperationFailed returns true if err came from a failing operation.
func IsOperationFailed(err error) bool {
	return hasCode(err, ErrCodeOperationFailed)
}

// IsPostDeployment returns true if err is a resume failure.
func IsPostDeployment(err error) bool {
	return hasCode(err, ErrCodePostDeployment)
}

// IsCancellation returns true if err represents a cooperative stop.
func IsCancellation(err error) bool {
	return hasCode(err, ErrCodeCancelled)
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}
