// Package engine provides the core types and the deployment coordinator for
// the wavedeploy orchestration engine. It drives each domain through the fixed
// six-phase pipeline: validation -> initialization -> storage provisioning ->
// secret provisioning -> deployment -> verification.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an orchestration error for propagation and retry logic.
// Retry and repair decisions switch on class and code, never on message text.
type ErrorClass string

const (
	// ErrorClassValidation indicates a prerequisite or compatibility failure.
	// Blocks the affected domain before any side effect.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassProvisioning indicates a storage or secret side-effect failure.
	// Eligible for one documented repair-and-retry before failing the domain.
	ErrorClassProvisioning ErrorClass = "provisioning"

	// ErrorClassExecution indicates the deployment executor call failed.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassVerification indicates health verification exhausted its retry
	// budget. Logged as a warning, never fatal for the domain.
	ErrorClassVerification ErrorClass = "verification"

	// ErrorClassCycle indicates a dependency cycle. Fatal, pre-empts deployment.
	ErrorClassCycle ErrorClass = "cycle"

	// ErrorClassRollback indicates a failure reversing one rollback action.
	// Logged, does not stop reversal of the others.
	ErrorClassRollback ErrorClass = "rollback"
)

// OrchestrationError is a classified error with domain and phase context.
type OrchestrationError struct {
	// Class is the error classification for propagation and repair logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Domain is the domain that caused the error, if applicable.
	Domain string `json:"domain,omitempty"`

	// Phase is the pipeline phase during which the error occurred.
	Phase Phase `json:"phase,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *OrchestrationError) Error() string {
	switch {
	case e.Domain != "" && e.Phase != "":
		return fmt.Sprintf("[%s] %s (domain=%s, phase=%s): %s",
			e.Class, e.Message, e.Domain, e.Phase, e.unwrapMessage())
	case e.Domain != "":
		return fmt.Sprintf("[%s] %s (domain=%s): %s",
			e.Class, e.Message, e.Domain, e.unwrapMessage())
	default:
		return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

func (e *OrchestrationError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *OrchestrationError) Is(target error) bool {
	t, ok := target.(*OrchestrationError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *OrchestrationError {
	return &OrchestrationError{Class: ErrorClassValidation, Message: message, Err: err}
}

// NewProvisioningError creates a new provisioning error.
func NewProvisioningError(message string, err error) *OrchestrationError {
	return &OrchestrationError{Class: ErrorClassProvisioning, Message: message, Err: err}
}

// NewExecutionError creates a new deployment execution error.
func NewExecutionError(message string, err error) *OrchestrationError {
	return &OrchestrationError{Class: ErrorClassExecution, Message: message, Err: err}
}

// NewVerificationWarning creates a new verification warning.
func NewVerificationWarning(message string, err error) *OrchestrationError {
	return &OrchestrationError{Class: ErrorClassVerification, Message: message, Err: err}
}

// NewCycleError creates a new dependency cycle error.
func NewCycleError(message string, err error) *OrchestrationError {
	return &OrchestrationError{Class: ErrorClassCycle, Message: message, Code: ErrCodeDependencyCycle, Err: err}
}

// NewRollbackActionError creates a new rollback action error.
func NewRollbackActionError(message string, err error) *OrchestrationError {
	return &OrchestrationError{Class: ErrorClassRollback, Message: message, Err: err}
}

// WithCode adds an error code to an error.
func (e *OrchestrationError) WithCode(code string) *OrchestrationError {
	e.Code = code
	return e
}

// WithDomain adds domain context to an error.
func (e *OrchestrationError) WithDomain(domain string) *OrchestrationError {
	e.Domain = domain
	return e
}

// WithPhase adds phase context to an error.
func (e *OrchestrationError) WithPhase(phase Phase) *OrchestrationError {
	e.Phase = phase
	return e
}

// WithDetail adds a detail field to the error context.
func (e *OrchestrationError) WithDetail(key string, value interface{}) *OrchestrationError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// classOf extracts the class from an error chain, or "" if not classified.
func classOf(err error) ErrorClass {
	var e *OrchestrationError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsValidation returns true if the error is classified as a validation failure.
func IsValidation(err error) bool {
	return classOf(err) == ErrorClassValidation
}

// IsProvisioning returns true if the error is classified as a provisioning failure.
func IsProvisioning(err error) bool {
	return classOf(err) == ErrorClassProvisioning
}

// IsExecution returns true if the error is classified as an execution failure.
func IsExecution(err error) bool {
	return classOf(err) == ErrorClassExecution
}

// IsVerification returns true if the error is a verification warning.
func IsVerification(err error) bool {
	return classOf(err) == ErrorClassVerification
}

// IsCycle returns true if the error is a dependency cycle error.
func IsCycle(err error) bool {
	return classOf(err) == ErrorClassCycle
}

// CodeOf extracts the error code from an error chain, or "" if not classified.
func CodeOf(err error) string {
	var e *OrchestrationError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRepairable returns true if the error represents a recognized recoverable
// failure category that warrants exactly one repair-and-retry attempt.
func IsRepairable(err error) bool {
	return CodeOf(err) == ErrCodeStorageBindingMismatch
}

// Common error codes.
const (
	ErrCodePrerequisite           = "PREREQUISITE_FAILED"
	ErrCodeIncompatible           = "INCOMPATIBLE_DOMAINS"
	ErrCodeUnknownDomain          = "UNKNOWN_DOMAIN"
	ErrCodeDuplicateDomain        = "DUPLICATE_DOMAIN"
	ErrCodeIllegalTransition      = "ILLEGAL_TRANSITION"
	ErrCodeStorageBindingMismatch = "STORAGE_BINDING_MISMATCH"
	ErrCodeStorageCreate          = "STORAGE_CREATE_FAILED"
	ErrCodeMigration              = "MIGRATION_FAILED"
	ErrCodeSecretDistribution     = "SECRET_DISTRIBUTION_FAILED"
	ErrCodeExecutorFailed         = "EXECUTOR_FAILED"
	ErrCodeHealthUnverified       = "HEALTH_UNVERIFIED"
	ErrCodeDependencyFailed       = "DEPENDENCY_FAILED"
	ErrCodeDependencyCycle        = "DEPENDENCY_CYCLE"
	ErrCodeTimeout                = "TIMEOUT"
	ErrCodeInternal               = "INTERNAL_ERROR"
)
