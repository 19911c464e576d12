package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is the parent of every expected ownership conflict.
	ErrConflict = errors.New("cart ownership conflict")

	ErrAlreadyOwned = fmt.Errorf("%w: cart already in use", ErrConflict)
	ErrNotOwner     = fmt.Errorf("%w: cart is not owned by caller", ErrConflict)

	ErrCartNotFound = errors.New("cart not found")
	ErrTransport    = errors.New("store unavailable")
	ErrValidation   = errors.New("invalid scanned code")

	ErrPurchaseNotFound = errors.New("purchase not found")
)

// TransportError wraps a failure talking to the store of record.
// errors.Is(err, ErrTransport) holds for every TransportError.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}
