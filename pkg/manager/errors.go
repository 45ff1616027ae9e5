package manager

import "errors"

// Package-level errors
var (
	// ErrNotReady indicates that a native handle could not be obtained for a
	// governor, even after an on-demand update pass. Callers should retry
	// later; the refresh scheduler keeps trying in the background.
	ErrNotReady = errors.New("bluetooth object is not ready")

	// ErrUnknownURL indicates a URL that does not address an adapter, device
	// or characteristic.
	ErrUnknownURL = errors.New("unknown bluetooth URL kind")

	// ErrDisposed indicates an operation on a manager that has been disposed.
	ErrDisposed = errors.New("bluetooth manager is disposed")

	// ErrInvalidDiscoveryRate indicates a non-positive discovery rate.
	ErrInvalidDiscoveryRate = errors.New("discovery rate must be positive")
)
