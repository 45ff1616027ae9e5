//go:build linux

package bluez

import (
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"

	"github.com/srg/btmanager/pkg/bturl"
	"github.com/srg/btmanager/pkg/transport"
)

// deviceHandle implements transport.Device over an org.bluez.Device1 object.
type deviceHandle struct {
	factory *Factory
	path    dbus.ObjectPath
	url     bturl.URL

	// handlerMu guards the notification handlers: they are installed by the
	// governor under its update lock but fired from the signal pump.
	handlerMu   sync.Mutex
	unsubscribe func()

	rssiHandler             func(int16)
	connectedHandler        func(bool)
	servicesResolvedHandler func(bool)
	blockedHandler          func(bool)
	manufacturerHandler     func(map[uint16][]byte)
	serviceDataHandler      func(map[string][]byte)
}

func (d *deviceHandle) URL() bturl.URL { return d.url }

func (d *deviceHandle) Dispose() {
	d.handlerMu.Lock()
	unsubscribe := d.unsubscribe
	d.unsubscribe = nil
	d.handlerMu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (d *deviceHandle) Name() (string, error) {
	var name string
	if err := d.factory.getProp(d.path, deviceIface, "Name", &name); err != nil {
		// Unnamed devices have no Name property at all.
		return d.url.DeviceAddress, nil
	}
	return name, nil
}

func (d *deviceHandle) Alias() (string, error) {
	var alias string
	err := d.factory.getProp(d.path, deviceIface, "Alias", &alias)
	return alias, err
}

func (d *deviceHandle) SetAlias(alias string) error {
	return d.factory.setProp(d.path, deviceIface, "Alias", alias)
}

func (d *deviceHandle) BluetoothClass() (uint32, error) {
	var class uint32
	if err := d.factory.getProp(d.path, deviceIface, "Class", &class); err != nil {
		return 0, nil
	}
	return class, nil
}

// IsBleEnabled reports whether the device exposes any GATT service UUIDs.
func (d *deviceHandle) IsBleEnabled() (bool, error) {
	var uuids []string
	if err := d.factory.getProp(d.path, deviceIface, "UUIDs", &uuids); err != nil {
		return false, nil
	}
	return len(uuids) > 0, nil
}

func (d *deviceHandle) RSSI() (int16, error) {
	var rssi int16
	if err := d.factory.getProp(d.path, deviceIface, "RSSI", &rssi); err != nil {
		// BlueZ drops the RSSI property once the advertisement ages out.
		return 0, nil
	}
	return rssi, nil
}

func (d *deviceHandle) TxPower() (int16, error) {
	var power int16
	if err := d.factory.getProp(d.path, deviceIface, "TxPower", &power); err != nil {
		return 0, nil
	}
	return power, nil
}

func (d *deviceHandle) IsConnected() (bool, error) {
	var connected bool
	err := d.factory.getProp(d.path, deviceIface, "Connected", &connected)
	return connected, err
}

func (d *deviceHandle) Connect() error {
	return d.factory.call(d.path, deviceIface+".Connect")
}

func (d *deviceHandle) Disconnect() error {
	return d.factory.call(d.path, deviceIface+".Disconnect")
}

func (d *deviceHandle) IsBlocked() (bool, error) {
	var blocked bool
	err := d.factory.getProp(d.path, deviceIface, "Blocked", &blocked)
	return blocked, err
}

func (d *deviceHandle) SetBlocked(blocked bool) error {
	return d.factory.setProp(d.path, deviceIface, "Blocked", blocked)
}

func (d *deviceHandle) IsServicesResolved() (bool, error) {
	var resolved bool
	err := d.factory.getProp(d.path, deviceIface, "ServicesResolved", &resolved)
	return resolved, err
}

// Services walks the managed object tree for GattService1 entries under this
// device and their characteristics.
func (d *deviceHandle) Services() ([]transport.GattService, error) {
	objects, err := d.factory.managedObjects()
	if err != nil {
		return nil, err
	}

	var services []transport.GattService
	for servicePath, interfaces := range objects {
		serviceProps, ok := interfaces[gattServiceIf]
		if !ok || !strings.HasPrefix(string(servicePath), string(d.path)+"/") {
			continue
		}
		serviceUUID, _ := stringProp(serviceProps, "UUID")
		gatt := transport.GattService{URL: d.url}
		gatt.URL.CharacteristicUUID = serviceUUID

		for charPath, charInterfaces := range objects {
			charProps, ok := charInterfaces[gattCharIface]
			if !ok || !strings.HasPrefix(string(charPath), string(servicePath)+"/") {
				continue
			}
			charUUID, _ := stringProp(charProps, "UUID")
			charURL := d.url
			charURL.CharacteristicUUID = charUUID
			gatt.Characteristics = append(gatt.Characteristics, charURL)
		}
		services = append(services, gatt)
	}
	return services, nil
}

// subscribeOnce lazily registers the single PropertiesChanged dispatcher of
// the device. Callers hold handlerMu.
func (d *deviceHandle) subscribeOnce() {
	if d.unsubscribe != nil {
		return
	}
	d.unsubscribe = d.factory.subscribe(d.path, d.handleProperties)
}

func (d *deviceHandle) handleProperties(iface string, changed map[string]dbus.Variant) {
	if iface != deviceIface {
		return
	}
	d.handlerMu.Lock()
	rssiHandler := d.rssiHandler
	connectedHandler := d.connectedHandler
	resolvedHandler := d.servicesResolvedHandler
	blockedHandler := d.blockedHandler
	manufacturerHandler := d.manufacturerHandler
	serviceDataHandler := d.serviceDataHandler
	d.handlerMu.Unlock()

	if variant, ok := changed["RSSI"]; ok && rssiHandler != nil {
		if rssi, ok := variant.Value().(int16); ok {
			rssiHandler(rssi)
		}
	}
	if variant, ok := changed["Connected"]; ok && connectedHandler != nil {
		if connected, ok := variant.Value().(bool); ok {
			connectedHandler(connected)
		}
	}
	if variant, ok := changed["ServicesResolved"]; ok && resolvedHandler != nil {
		if resolved, ok := variant.Value().(bool); ok {
			resolvedHandler(resolved)
		}
	}
	if variant, ok := changed["Blocked"]; ok && blockedHandler != nil {
		if blocked, ok := variant.Value().(bool); ok {
			blockedHandler(blocked)
		}
	}
	if variant, ok := changed["ManufacturerData"]; ok && manufacturerHandler != nil {
		if data := decodeManufacturerData(variant); len(data) > 0 {
			manufacturerHandler(data)
		}
	}
	if variant, ok := changed["ServiceData"]; ok && serviceDataHandler != nil {
		if data := decodeServiceData(variant); len(data) > 0 {
			serviceDataHandler(data)
		}
	}
}

func (d *deviceHandle) EnableRSSINotifications(handler func(int16)) error {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.rssiHandler = handler
	d.subscribeOnce()
	return nil
}

func (d *deviceHandle) DisableRSSINotifications() error {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.rssiHandler = nil
	return nil
}

func (d *deviceHandle) EnableConnectedNotifications(handler func(bool)) error {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.connectedHandler = handler
	d.subscribeOnce()
	return nil
}

func (d *deviceHandle) DisableConnectedNotifications() error {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.connectedHandler = nil
	return nil
}

func (d *deviceHandle) EnableServicesResolvedNotifications(handler func(bool)) error {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.servicesResolvedHandler = handler
	d.subscribeOnce()
	return nil
}

func (d *deviceHandle) DisableServicesResolvedNotifications() error {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.servicesResolvedHandler = nil
	return nil
}

func (d *deviceHandle) EnableBlockedNotifications(handler func(bool)) error {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.blockedHandler = handler
	d.subscribeOnce()
	return nil
}

func (d *deviceHandle) DisableBlockedNotifications() error {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.blockedHandler = nil
	return nil
}

func (d *deviceHandle) EnableManufacturerDataNotifications(handler func(map[uint16][]byte)) error {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.manufacturerHandler = handler
	d.subscribeOnce()
	return nil
}

func (d *deviceHandle) DisableManufacturerDataNotifications() error {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.manufacturerHandler = nil
	return nil
}

func (d *deviceHandle) EnableServiceDataNotifications(handler func(map[string][]byte)) error {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.serviceDataHandler = handler
	d.subscribeOnce()
	return nil
}

func (d *deviceHandle) DisableServiceDataNotifications() error {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.serviceDataHandler = nil
	return nil
}

func decodeManufacturerData(variant dbus.Variant) map[uint16][]byte {
	raw, ok := variant.Value().(map[uint16]dbus.Variant)
	if !ok {
		return nil
	}
	out := make(map[uint16][]byte, len(raw))
	for id, value := range raw {
		if payload, ok := value.Value().([]byte); ok {
			out[id] = payload
		}
	}
	return out
}

func decodeServiceData(variant dbus.Variant) map[string][]byte {
	raw, ok := variant.Value().(map[string]dbus.Variant)
	if !ok {
		return nil
	}
	out := make(map[string][]byte, len(raw))
	for uuid, value := range raw {
		if payload, ok := value.Value().([]byte); ok {
			out[uuid] = payload
		}
	}
	return out
}
