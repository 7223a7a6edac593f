// Package failure defines the error kinds shared by every domain package.
//
// Domain errors are either one of the sentinels below (optionally wrapped) or a
// typed error whose Is method reports the kind it belongs to. Transport layers
// classify errors with errors.Is against these kinds only.
package failure

import (
	"fmt"

	"github.com/go-faster/errors"
)

var (
	// ErrValidation reports malformed or missing input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound reports an absent cart, order, product, balance or discount.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientStock reports a request exceeding available stock.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrPermission reports a cross-user or cross-store scoping violation.
	ErrPermission = errors.New("permission denied")
	// ErrConflict reports duplicate entries, stale transitions and exhausted
	// concurrent-write retries.
	ErrConflict = errors.New("conflict")
	// ErrExternalService reports a payment, shipping or storage adapter failure.
	ErrExternalService = errors.New("external service failure")

	// ErrVersionConflict is returned by storage when an optimistic version
	// check fails. It is retried by the stock ledger and surfaces to callers as
	// ErrConflict once attempts are exhausted.
	ErrVersionConflict = errors.New("version conflict")
)

// Error is a kind-tagged error with a human readable message.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is reports whether target is the kind of e.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// Validation returns an ErrValidation error with a formatted message.
func Validation(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns an ErrNotFound error with a formatted message.
func NotFound(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

// Permission returns an ErrPermission error with a formatted message.
func Permission(format string, args ...any) error {
	return &Error{Kind: ErrPermission, Message: fmt.Sprintf(format, args...)}
}

// Conflict returns an ErrConflict error with a formatted message.
func Conflict(format string, args ...any) error {
	return &Error{Kind: ErrConflict, Message: fmt.Sprintf(format, args...)}
}

// ExternalServiceError wraps a failure of an external adapter.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// Is reports ErrExternalService as the kind of e.
func (e *ExternalServiceError) Is(target error) bool {
	return target == ErrExternalService
}

// External wraps err as an ExternalServiceError of the named service.
func External(service string, err error) error {
	if err == nil {
		return nil
	}
	return &ExternalServiceError{Service: service, Err: err}
}

// Kind returns the kind sentinel err belongs to, or nil for unclassified
// errors.
func Kind(err error) error {
	for _, kind := range []error{
		ErrValidation,
		ErrNotFound,
		ErrInsufficientStock,
		ErrPermission,
		ErrConflict,
		ErrVersionConflict,
		ErrExternalService,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
