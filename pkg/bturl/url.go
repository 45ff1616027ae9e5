// Package bturl provides the hierarchical identifier used to address
// bluetooth entities: protocol://adapterAddress/deviceAddress/characteristicUUID.
// Trailing segments are optional, so a URL can point to an adapter, a device
// or a characteristic. Equality and descendant checks operate on the address
// components; the protocol only participates when both sides carry one.
package bturl

import (
	"fmt"
	"strings"
)

// URL identifies an adapter, device or characteristic. The zero value is an
// empty URL. URLs are plain values and safe to copy and compare.
type URL struct {
	Protocol           string
	AdapterAddress     string
	DeviceAddress      string
	CharacteristicUUID string
}

// NewAdapter returns a URL pointing to an adapter.
func NewAdapter(adapterAddress string) URL {
	return URL{AdapterAddress: adapterAddress}
}

// NewDevice returns a URL pointing to a device under the given adapter.
func NewDevice(adapterAddress, deviceAddress string) URL {
	return URL{AdapterAddress: adapterAddress, DeviceAddress: deviceAddress}
}

// NewCharacteristic returns a URL pointing to a characteristic of a device.
func NewCharacteristic(adapterAddress, deviceAddress, characteristicUUID string) URL {
	return URL{
		AdapterAddress:     adapterAddress,
		DeviceAddress:      deviceAddress,
		CharacteristicUUID: characteristicUUID,
	}
}

// Parse parses the textual form "protocol://adapter/device/characteristic".
// The protocol and trailing segments may be omitted; a leading slash is
// accepted for protocol-less URLs.
func Parse(raw string) (URL, error) {
	var u URL
	rest := raw
	if idx := strings.Index(rest, "://"); idx >= 0 {
		u.Protocol = rest[:idx]
		rest = rest[idx+3:]
	}
	rest = strings.TrimPrefix(rest, "/")
	if rest == "" {
		if u.Protocol == "" {
			return URL{}, fmt.Errorf("empty bluetooth URL: %q", raw)
		}
		return u, nil
	}
	segments := strings.Split(rest, "/")
	if len(segments) > 3 {
		return URL{}, fmt.Errorf("too many segments in bluetooth URL: %q", raw)
	}
	u.AdapterAddress = segments[0]
	if len(segments) > 1 {
		u.DeviceAddress = segments[1]
	}
	if len(segments) > 2 {
		u.CharacteristicUUID = segments[2]
	}
	return u, nil
}

// MustParse is like Parse but panics on a malformed URL. Intended for
// constants and tests.
func MustParse(raw string) URL {
	u, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// String renders the URL in its textual form.
func (u URL) String() string {
	var sb strings.Builder
	if u.Protocol != "" {
		sb.WriteString(u.Protocol)
		sb.WriteString(":/")
	}
	sb.WriteString("/")
	sb.WriteString(u.AdapterAddress)
	if u.DeviceAddress != "" {
		sb.WriteString("/")
		sb.WriteString(u.DeviceAddress)
	}
	if u.CharacteristicUUID != "" {
		sb.WriteString("/")
		sb.WriteString(u.CharacteristicUUID)
	}
	return sb.String()
}

// CopyWithProtocol returns the same URL bound to a specific backend protocol.
func (u URL) CopyWithProtocol(protocol string) URL {
	u.Protocol = protocol
	return u
}

// AdapterURL returns the adapter portion of the URL.
func (u URL) AdapterURL() URL {
	return URL{Protocol: u.Protocol, AdapterAddress: u.AdapterAddress}
}

// DeviceURL returns the device portion of the URL.
func (u URL) DeviceURL() URL {
	return URL{Protocol: u.Protocol, AdapterAddress: u.AdapterAddress, DeviceAddress: u.DeviceAddress}
}

// CharacteristicURL returns the URL itself; it exists for symmetry with
// AdapterURL and DeviceURL.
func (u URL) CharacteristicURL() URL {
	return u
}

// IsAdapter reports whether the URL addresses an adapter.
func (u URL) IsAdapter() bool {
	return u.AdapterAddress != "" && u.DeviceAddress == "" && u.CharacteristicUUID == ""
}

// IsDevice reports whether the URL addresses a device.
func (u URL) IsDevice() bool {
	return u.AdapterAddress != "" && u.DeviceAddress != "" && u.CharacteristicUUID == ""
}

// IsCharacteristic reports whether the URL addresses a characteristic.
func (u URL) IsCharacteristic() bool {
	return u.AdapterAddress != "" && u.DeviceAddress != "" && u.CharacteristicUUID != ""
}

// Equal compares two URLs by their address components. The protocol is
// compared only when both URLs carry one.
func (u URL) Equal(other URL) bool {
	if u.Protocol != "" && other.Protocol != "" && u.Protocol != other.Protocol {
		return false
	}
	return u.AdapterAddress == other.AdapterAddress &&
		u.DeviceAddress == other.DeviceAddress &&
		u.CharacteristicUUID == other.CharacteristicUUID
}

// IsDescendant reports whether the URL addresses a strict descendant of
// parent in the adapter -> device -> characteristic hierarchy. The protocol
// is ignored unless both sides specify one.
func (u URL) IsDescendant(parent URL) bool {
	if u.Protocol != "" && parent.Protocol != "" && u.Protocol != parent.Protocol {
		return false
	}
	switch {
	case parent.IsAdapter():
		return u.AdapterAddress == parent.AdapterAddress && u.DeviceAddress != ""
	case parent.IsDevice():
		return u.AdapterAddress == parent.AdapterAddress &&
			u.DeviceAddress == parent.DeviceAddress &&
			u.CharacteristicUUID != ""
	default:
		return false
	}
}
