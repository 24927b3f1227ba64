// Package apperrors provides structured reconciler errors with a closed set of kinds.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrTransient     = errors.New("transient error")
	ErrDataIntegrity = errors.New("data integrity error")
	ErrConfiguration = errors.New("configuration error")
	ErrFatal         = errors.New("fatal error")
)

// Specific conditions callers match on. Each one also unwraps to its kind.
var (
	ErrLocked               = errors.New("another instance is running")
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	ErrInvalidStatus        = errors.New("invalid status")
	ErrGraphLoad            = errors.New("job graph could not be loaded")
)

// Kind is one of the four error classes the run loop reacts to.
type Kind int

const (
	Transient Kind = iota
	DataIntegrity
	Configuration
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case DataIntegrity:
		return "data-integrity"
	case Configuration:
		return "configuration"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case Transient:
		return ErrTransient
	case DataIntegrity:
		return ErrDataIntegrity
	case Configuration:
		return ErrConfiguration
	default:
		return ErrFatal
	}
}

// Stable numeric codes shown to operators.
const (
	CodeTransient            = 6000
	CodeConnection           = 6002
	CodeSubmission           = 6003
	CodeDataIntegrity        = 7000
	CodeFatal                = 7010
	CodeLocked               = 7011
	CodeGraphLoad            = 7013
	CodeConfiguration        = 7014
	CodeInvalidStatus        = 7015
	CodeRetryBudgetExhausted = 7051
)

// Error provides structured error with context.
type Error struct {
	Kind    Kind   // Closed classification
	Code    int    // Stable operator-facing code
	Message string // Human-readable message
	Op      string // Operation that failed (e.g., "store.load")
	Detail  error  // Specific condition (ErrLocked, ErrGraphLoad, ...), optional
	Cause   error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	if e.Cause != nil && e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes the kind sentinel, the specific condition and the cause to errors.Is().
func (e *Error) Unwrap() []error {
	errs := []error{e.Kind.sentinel()}
	if e.Detail != nil {
		errs = append(errs, e.Detail)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// TransientError wraps a recoverable platform or I/O failure.
func TransientError(op string, cause error) error {
	return &Error{
		Kind:    Transient,
		Code:    CodeTransient,
		Message: "transient failure",
		Op:      op,
		Cause:   cause,
	}
}

// Connection wraps a lost or refused platform connection.
func Connection(platform string, cause error) error {
	return &Error{
		Kind:    Transient,
		Code:    CodeConnection,
		Message: fmt.Sprintf("platform %s unreachable", platform),
		Op:      "platform.connect",
		Cause:   cause,
	}
}

// Submission wraps a failed package submission.
func Submission(pkg string, cause error) error {
	return &Error{
		Kind:    Transient,
		Code:    CodeSubmission,
		Message: fmt.Sprintf("package %s was not submitted", pkg),
		Op:      "platform.submit",
		Cause:   cause,
	}
}

// Integrity reports corrupted or unreadable persisted state.
func Integrity(op string, cause error) error {
	return &Error{
		Kind:    DataIntegrity,
		Code:    CodeDataIntegrity,
		Message: "persisted state is corrupted",
		Op:      op,
		Cause:   cause,
	}
}

// GraphLoad reports a job graph snapshot that could not be read.
func GraphLoad(path string, cause error) error {
	return &Error{
		Kind:    DataIntegrity,
		Code:    CodeGraphLoad,
		Message: fmt.Sprintf("cannot load job graph from %s", path),
		Op:      "store.load",
		Detail:  ErrGraphLoad,
		Cause:   cause,
	}
}

// Config creates a configuration error for a specific field.
func Config(field, message string) error {
	return &Error{
		Kind:    Configuration,
		Code:    CodeConfiguration,
		Message: fmt.Sprintf("%s: %s", field, message),
	}
}

// InvalidStatus reports a status name that maps to no Status.
func InvalidStatus(name string) error {
	return &Error{
		Kind:    Configuration,
		Code:    CodeInvalidStatus,
		Message: fmt.Sprintf("invalid status %q", name),
		Detail:  ErrInvalidStatus,
	}
}

// FatalError wraps an environment failure that stops the process.
func FatalError(op string, cause error) error {
	return &Error{
		Kind:    Fatal,
		Code:    CodeFatal,
		Message: "unrecoverable failure",
		Op:      op,
		Cause:   cause,
	}
}

// Locked reports that the experiment lock is held by another process.
func Locked(path string) error {
	return &Error{
		Kind:    Fatal,
		Code:    CodeLocked,
		Message: fmt.Sprintf("another instance is running (lock %s is held)", path),
		Op:      "lock.acquire",
		Detail:  ErrLocked,
	}
}

// RetryBudgetExhausted reports that transient failures persisted past the configured bound.
func RetryBudgetExhausted(retries int, cause error) error {
	return &Error{
		Kind:    Fatal,
		Code:    CodeRetryBudgetExhausted,
		Message: fmt.Sprintf("retry budget exhausted after %d consecutive failed cycles", retries),
		Op:      "runloop",
		Detail:  ErrRetryBudgetExhausted,
		Cause:   cause,
	}
}

// KindOf classifies err. Unclassified errors are treated as transient so that the
// run loop retries them; callers needing fatal semantics must wrap explicitly.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	switch {
	case errors.Is(err, ErrFatal):
		return Fatal
	case errors.Is(err, ErrConfiguration):
		return Configuration
	case errors.Is(err, ErrDataIntegrity):
		return DataIntegrity
	default:
		return Transient
	}
}

// IsTransient reports whether err may be retried by the run loop.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == Transient
}
