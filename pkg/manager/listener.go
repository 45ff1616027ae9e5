package manager

import (
	"time"

	"github.com/srg/btmanager/pkg/bturl"
	"github.com/srg/btmanager/pkg/transport"
)

// Listener callbacks run synchronously on whichever thread triggered the
// state transition, usually a refresh worker. Listeners must be fast and
// non-blocking; a panicking listener is logged and never aborts the fan-out
// or affects other listeners.

// GovernorListener observes the lifecycle of a single governor.
type GovernorListener interface {
	// Ready is invoked with true once a native handle has been acquired and
	// initialized, and with false when the handle is torn down.
	Ready(ready bool)
	// LastUpdatedChanged is invoked when the governor completes an update
	// pass at a new activity timestamp.
	LastUpdatedChanged(at time.Time)
}

// BluetoothSmartDeviceListener observes BLE-specific device events.
type BluetoothSmartDeviceListener interface {
	Connected()
	Disconnected()
	ServicesResolved(services []transport.GattService)
	ServicesUnresolved()
	CharacteristicChanged(url bturl.URL, value []byte)
}

// GenericBluetoothDeviceListener observes events common to all bluetooth
// devices.
type GenericBluetoothDeviceListener interface {
	Online()
	Offline()
	RSSIChanged(rssi int16)
	Blocked(blocked bool)
	ManufacturerDataChanged(data map[uint16][]byte)
	ServiceDataChanged(data map[bturl.URL][]byte)
}

// AdapterListener observes adapter state signals.
type AdapterListener interface {
	Powered(powered bool)
	Discovering(discovering bool)
}

// ValueListener observes characteristic value changes delivered via
// notifications.
type ValueListener interface {
	Changed(value []byte)
}

// DeviceDiscoveryListener observes the discovery job's device events.
type DeviceDiscoveryListener interface {
	Discovered(device DiscoveredDevice)
	Lost(url bturl.URL)
}

// AdapterDiscoveryListener observes the discovery job's adapter events.
type AdapterDiscoveryListener interface {
	Discovered(adapter DiscoveredAdapter)
	Lost(url bturl.URL)
}
