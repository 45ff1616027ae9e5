//go:build darwin

package goble

import "errors"

// Backend-level errors
var (
	// ErrNotSupported indicates an operation the go-ble host stack cannot
	// perform, e.g. blocking a device.
	ErrNotSupported = errors.New("operation is not supported by the go-ble backend")

	// ErrNotConnected indicates a GATT operation on a device without an
	// established connection.
	ErrNotConnected = errors.New("device is not connected")

	// ErrUnknownDevice indicates a device that has not been observed by the
	// scanner yet.
	ErrUnknownDevice = errors.New("device has not been discovered")
)
