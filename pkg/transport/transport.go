// Package transport defines the contract between the management core and
// low-level bluetooth backends. A backend exposes a Factory that hands out
// native adapter, device and characteristic handles addressed by URL.
// Handles are volatile: they can vanish at any moment, and every operation
// can fail with a transport error. The management core owns each handle from
// acquisition until reset and never shares it between governors.
package transport

import (
	"github.com/srg/btmanager/pkg/bturl"
)

// Object is the base contract of every native handle.
type Object interface {
	// URL returns the handle's address, including the backend protocol.
	URL() bturl.URL
	// Dispose releases the native resources behind the handle. Calling any
	// other method after Dispose is undefined.
	Dispose()
}

// Adapter is a native handle of a bluetooth adapter.
type Adapter interface {
	Object

	Name() (string, error)
	Alias() (string, error)
	SetAlias(alias string) error

	IsPowered() (bool, error)
	SetPowered(powered bool) error

	IsDiscovering() (bool, error)
	StartDiscovery() error
	StopDiscovery() error

	// Devices returns URLs of devices currently known to the adapter.
	Devices() ([]bturl.URL, error)

	EnablePoweredNotifications(handler func(powered bool)) error
	DisablePoweredNotifications() error
	EnableDiscoveringNotifications(handler func(discovering bool)) error
	DisableDiscoveringNotifications() error
}

// GattService describes a resolved GATT service and its characteristics.
type GattService struct {
	URL             bturl.URL
	Characteristics []bturl.URL
}

// Device is a native handle of a bluetooth device.
type Device interface {
	Object

	Name() (string, error)
	Alias() (string, error)
	SetAlias(alias string) error

	// BluetoothClass returns the device class bits, 0 when unknown.
	BluetoothClass() (uint32, error)
	// IsBleEnabled reports whether the device speaks bluetooth low energy.
	IsBleEnabled() (bool, error)

	RSSI() (int16, error)
	// TxPower returns the advertised TX power, 0 when the device does not
	// advertise one.
	TxPower() (int16, error)

	IsConnected() (bool, error)
	Connect() error
	Disconnect() error

	IsBlocked() (bool, error)
	SetBlocked(blocked bool) error

	IsServicesResolved() (bool, error)
	Services() ([]GattService, error)

	EnableRSSINotifications(handler func(rssi int16)) error
	DisableRSSINotifications() error
	EnableConnectedNotifications(handler func(connected bool)) error
	DisableConnectedNotifications() error
	EnableServicesResolvedNotifications(handler func(resolved bool)) error
	DisableServicesResolvedNotifications() error
	EnableBlockedNotifications(handler func(blocked bool)) error
	DisableBlockedNotifications() error
	EnableManufacturerDataNotifications(handler func(data map[uint16][]byte)) error
	DisableManufacturerDataNotifications() error
	EnableServiceDataNotifications(handler func(data map[string][]byte)) error
	DisableServiceDataNotifications() error
}

// Characteristic access flags as reported by Flags.
const (
	FlagRead                 = "read"
	FlagWrite                = "write"
	FlagWriteWithoutResponse = "write-without-response"
	FlagNotify               = "notify"
	FlagIndicate             = "indicate"
)

// Characteristic is a native handle of a GATT characteristic.
type Characteristic interface {
	Object

	Flags() ([]string, error)
	IsNotifying() (bool, error)

	Read() ([]byte, error)
	Write(data []byte) error

	EnableValueNotifications(handler func(value []byte)) error
	DisableValueNotifications() error
}

// Factory produces native handles for a backend. Implementations must be
// safe for concurrent use: the discovery job, refresh workers and user
// threads all call into the factory.
type Factory interface {
	// ProtocolName identifies the backend, e.g. "bluez" or "goble". Handles
	// carry the same value as the protocol of their URL, which governors
	// record after the first successful acquisition.
	ProtocolName() string

	// GetObject returns a handle bound to the given URL. A (nil, nil) return
	// means the entity is currently unavailable; an error indicates a
	// transport failure.
	GetObject(url bturl.URL) (Object, error)

	// DiscoveredAdapters returns handles of all currently visible adapters.
	DiscoveredAdapters() ([]Adapter, error)

	// DiscoveredDevices returns handles of all currently visible devices.
	// A nil slice with a nil error means the backend has nothing to report.
	DiscoveredDevices() ([]Device, error)
}
