package engine

import "errors"

var (
	// ErrNotReady is returned by VerificationRequest.StartSAS while the
	// request has not reached a state that can start a SAS exchange.
	ErrNotReady = errors.New("engine: verification not ready")

	// ErrNotFound is returned when a device, identity, request or exchange
	// does not exist.
	ErrNotFound = errors.New("engine: not found")

	// ErrPermanent marks a send failure that must not be retried.
	ErrPermanent = errors.New("engine: permanent failure")

	// ErrUnsupported is returned by engines lacking a capability.
	ErrUnsupported = errors.New("engine: operation not supported")
)

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
