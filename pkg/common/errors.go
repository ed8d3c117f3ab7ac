package common

import (
	"errors"
	"fmt"
)

// Error taxonomy shared across pipeline stages. Callers classify
// failures by wrapping them in one of these types; the worker pool and
// the dead-letter path branch on the classification, never on error
// strings.

// TransientStoreError marks a state store failure that is safe to retry.
// The triggering event is not consumed: state must not advance past a
// failed persist.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error in %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// NewTransientStoreError wraps err as retryable store failure.
func NewTransientStoreError(op string, err error) error {
	return &TransientStoreError{Op: op, Err: err}
}

// ExternalServiceError marks a failure of a downstream dependency (the
// scoring service, a delivery channel). It triggers fallback behavior
// rather than retry-forever.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("external service %s failed: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// NewExternalServiceError wraps err as a downstream dependency failure.
func NewExternalServiceError(service string, err error) error {
	return &ExternalServiceError{Service: service, Err: err}
}

// DataIntegrityError marks persisted state that fails to decode or
// violates an invariant. It is never retried; the affected record is
// quarantined and processing continues from fresh state.
type DataIntegrityError struct {
	Key string
	Err error
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity error for %s: %v", e.Key, e.Err)
}

func (e *DataIntegrityError) Unwrap() error { return e.Err }

// NewDataIntegrityError wraps err as a corrupt-state failure.
func NewDataIntegrityError(key string, err error) error {
	return &DataIntegrityError{Key: key, Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var t *TransientStoreError
	return errors.As(err, &t)
}

// IsDataIntegrity reports whether err indicates corrupt persisted state.
func IsDataIntegrity(err error) bool {
	var d *DataIntegrityError
	return errors.As(err, &d)
}
