//go:build darwin

package goble

import (
	"github.com/srg/btmanager/pkg/bturl"
)

// adapterHandle implements transport.Adapter for the single host controller.
type adapterHandle struct {
	factory *Factory
}

func (a *adapterHandle) URL() bturl.URL {
	return a.factory.adapterURL()
}

func (a *adapterHandle) Dispose() {
	a.factory.stopScan()
}

func (a *adapterHandle) Name() (string, error) {
	return "go-ble host controller", nil
}

func (a *adapterHandle) Alias() (string, error) {
	return "", nil
}

func (a *adapterHandle) SetAlias(string) error {
	return ErrNotSupported
}

func (a *adapterHandle) IsPowered() (bool, error) {
	a.factory.mu.Lock()
	defer a.factory.mu.Unlock()
	return a.factory.powered, nil
}

// SetPowered toggles the backend's powered flag. The host stack has no
// radio power control; powering off stops the scanner.
func (a *adapterHandle) SetPowered(powered bool) error {
	a.factory.mu.Lock()
	changed := a.factory.powered != powered
	a.factory.powered = powered
	handler := a.factory.poweredHandler
	a.factory.mu.Unlock()
	if !powered {
		a.factory.stopScan()
	}
	if changed && handler != nil {
		handler(powered)
	}
	return nil
}

func (a *adapterHandle) IsDiscovering() (bool, error) {
	return a.factory.isScanning(), nil
}

func (a *adapterHandle) StartDiscovery() error {
	return a.factory.startScan()
}

func (a *adapterHandle) StopDiscovery() error {
	a.factory.stopScan()
	return nil
}

func (a *adapterHandle) Devices() ([]bturl.URL, error) {
	a.factory.mu.Lock()
	defer a.factory.mu.Unlock()
	urls := make([]bturl.URL, 0, len(a.factory.devices))
	for address := range a.factory.devices {
		urls = append(urls, bturl.NewDevice(a.factory.adapterAddress, address).CopyWithProtocol(Protocol))
	}
	return urls, nil
}

func (a *adapterHandle) EnablePoweredNotifications(handler func(bool)) error {
	a.factory.mu.Lock()
	defer a.factory.mu.Unlock()
	a.factory.poweredHandler = handler
	return nil
}

func (a *adapterHandle) DisablePoweredNotifications() error {
	a.factory.mu.Lock()
	defer a.factory.mu.Unlock()
	a.factory.poweredHandler = nil
	return nil
}

func (a *adapterHandle) EnableDiscoveringNotifications(handler func(bool)) error {
	a.factory.mu.Lock()
	defer a.factory.mu.Unlock()
	a.factory.discoveringHandler = handler
	return nil
}

func (a *adapterHandle) DisableDiscoveringNotifications() error {
	a.factory.mu.Lock()
	defer a.factory.mu.Unlock()
	a.factory.discoveringHandler = nil
	return nil
}
