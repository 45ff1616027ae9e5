//go:build linux

package bluez

import (
	dbus "github.com/godbus/dbus/v5"

	"github.com/srg/btmanager/pkg/bturl"
)

// adapterHandle implements transport.Adapter over an org.bluez.Adapter1
// object.
type adapterHandle struct {
	factory *Factory
	path    dbus.ObjectPath
	address string

	unsubPowered     func()
	unsubDiscovering func()
}

func (a *adapterHandle) URL() bturl.URL {
	return bturl.NewAdapter(a.address).CopyWithProtocol(Protocol)
}

func (a *adapterHandle) Dispose() {
	_ = a.DisablePoweredNotifications()
	_ = a.DisableDiscoveringNotifications()
}

func (a *adapterHandle) Name() (string, error) {
	var name string
	err := a.factory.getProp(a.path, adapterIface, "Name", &name)
	return name, err
}

func (a *adapterHandle) Alias() (string, error) {
	var alias string
	err := a.factory.getProp(a.path, adapterIface, "Alias", &alias)
	return alias, err
}

func (a *adapterHandle) SetAlias(alias string) error {
	return a.factory.setProp(a.path, adapterIface, "Alias", alias)
}

func (a *adapterHandle) IsPowered() (bool, error) {
	var powered bool
	err := a.factory.getProp(a.path, adapterIface, "Powered", &powered)
	return powered, err
}

func (a *adapterHandle) SetPowered(powered bool) error {
	return a.factory.setProp(a.path, adapterIface, "Powered", powered)
}

func (a *adapterHandle) IsDiscovering() (bool, error) {
	var discovering bool
	err := a.factory.getProp(a.path, adapterIface, "Discovering", &discovering)
	return discovering, err
}

func (a *adapterHandle) StartDiscovery() error {
	return a.factory.call(a.path, adapterIface+".StartDiscovery")
}

func (a *adapterHandle) StopDiscovery() error {
	return a.factory.call(a.path, adapterIface+".StopDiscovery")
}

func (a *adapterHandle) Devices() ([]bturl.URL, error) {
	objects, err := a.factory.managedObjects()
	if err != nil {
		return nil, err
	}
	var urls []bturl.URL
	for _, interfaces := range objects {
		props, ok := interfaces[deviceIface]
		if !ok {
			continue
		}
		address, _ := stringProp(props, "Address")
		if address == "" {
			continue
		}
		if a.factory.adapterAddressOf(objects, props) != a.address {
			continue
		}
		urls = append(urls, bturl.NewDevice(a.address, address).CopyWithProtocol(Protocol))
	}
	return urls, nil
}

func (a *adapterHandle) EnablePoweredNotifications(handler func(bool)) error {
	a.unsubPowered = a.factory.subscribe(a.path, func(iface string, changed map[string]dbus.Variant) {
		if iface != adapterIface {
			return
		}
		if variant, ok := changed["Powered"]; ok {
			if powered, ok := variant.Value().(bool); ok {
				handler(powered)
			}
		}
	})
	return nil
}

func (a *adapterHandle) DisablePoweredNotifications() error {
	if a.unsubPowered != nil {
		a.unsubPowered()
		a.unsubPowered = nil
	}
	return nil
}

func (a *adapterHandle) EnableDiscoveringNotifications(handler func(bool)) error {
	a.unsubDiscovering = a.factory.subscribe(a.path, func(iface string, changed map[string]dbus.Variant) {
		if iface != adapterIface {
			return
		}
		if variant, ok := changed["Discovering"]; ok {
			if discovering, ok := variant.Value().(bool); ok {
				handler(discovering)
			}
		}
	})
	return nil
}

func (a *adapterHandle) DisableDiscoveringNotifications() error {
	if a.unsubDiscovering != nil {
		a.unsubDiscovering()
		a.unsubDiscovering = nil
	}
	return nil
}
