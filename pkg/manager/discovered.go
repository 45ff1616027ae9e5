package manager

import "github.com/srg/btmanager/pkg/bturl"

// DiscoveredAdapter is a snapshot of an adapter seen by the discovery job.
// Identity is the adapter address; Name and Alias are informational and do
// not participate in discovery diffing.
type DiscoveredAdapter struct {
	URL   bturl.URL
	Name  string
	Alias string
}

// DiscoveredDevice is a snapshot of a device seen by the discovery job.
// Identity is the (adapter address, device address) pair carried by URL;
// the remaining fields are informational.
type DiscoveredDevice struct {
	URL            bturl.URL
	Name           string
	Alias          string
	RSSI           int16
	BluetoothClass uint32
}
