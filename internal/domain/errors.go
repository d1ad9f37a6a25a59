package domain

import "errors"

// Error taxonomy shared by every component. Wrap with fmt.Errorf("%w: ...") and
// match with errors.Is.
var (
	ErrValidation       = errors.New("validation failed")
	ErrConflict         = errors.New("conflict")
	ErrNotFound         = errors.New("not found")
	ErrInvalidState     = errors.New("invalid state")
	ErrGateway          = errors.New("gateway error")
	ErrAlreadyFinalized = errors.New("payment already finalized")

	ErrOutOfStock          = errors.New("out of stock")
	ErrShiftClosed         = errors.New("shift is not open")
	ErrEmptyCart           = errors.New("cart is empty")
	ErrInsufficientPayment = errors.New("amount received is less than total")
)
