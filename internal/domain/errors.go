package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicateAsset     = errors.New("asset already registered with conflicting precision")
	ErrUnknownSymbol      = errors.New("symbol not mapped for platform")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrUnknownReservation = errors.New("unknown reservation")
	// ErrAlreadyReleased reports that a reservation's disposition was already
	// committed (released or settled). A second release is a no-op reported
	// with this error, never a fatal condition.
	ErrAlreadyReleased   = errors.New("reservation already released or settled")
	ErrValidation        = errors.New("validation failed")
	ErrUnknownOperation  = errors.New("unknown operation")
	ErrTerminalOperation = errors.New("operation already terminal")
	// ErrRequestInFlight reports that a submit or cancel request for the
	// operation is already on its way to the platform.
	ErrRequestInFlight = errors.New("request already in flight for operation")
	ErrUnknownPlatform = errors.New("no adapter registered for platform")
	// ErrSubmissionRejected and ErrCancelRejected are the platform-communicated
	// outcomes adapters wrap their reject reasons around.
	ErrSubmissionRejected = errors.New("submission rejected by platform")
	ErrCancelRejected     = errors.New("cancel rejected by platform")
	ErrLockHeld           = errors.New("lock already held")
)
