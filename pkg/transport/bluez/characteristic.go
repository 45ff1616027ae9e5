//go:build linux

package bluez

import (
	"fmt"
	"sync"

	dbus "github.com/godbus/dbus/v5"

	"github.com/srg/btmanager/pkg/bturl"
)

// characteristicHandle implements transport.Characteristic over an
// org.bluez.GattCharacteristic1 object.
type characteristicHandle struct {
	factory *Factory
	path    dbus.ObjectPath
	url     bturl.URL

	handlerMu    sync.Mutex
	unsubscribe  func()
	valueHandler func([]byte)
}

func (c *characteristicHandle) URL() bturl.URL { return c.url }

func (c *characteristicHandle) Dispose() {
	_ = c.DisableValueNotifications()
}

func (c *characteristicHandle) Flags() ([]string, error) {
	var flags []string
	err := c.factory.getProp(c.path, gattCharIface, "Flags", &flags)
	return flags, err
}

func (c *characteristicHandle) IsNotifying() (bool, error) {
	var notifying bool
	err := c.factory.getProp(c.path, gattCharIface, "Notifying", &notifying)
	return notifying, err
}

func (c *characteristicHandle) Read() ([]byte, error) {
	var value []byte
	options := map[string]dbus.Variant{}
	call := c.factory.conn.Object(bluezService, c.path).
		Call(gattCharIface+".ReadValue", 0, options)
	if call.Err != nil {
		return nil, fmt.Errorf("ReadValue on %s failed: %w", c.path, call.Err)
	}
	if err := call.Store(&value); err != nil {
		return nil, fmt.Errorf("unexpected ReadValue result of %s: %w", c.path, err)
	}
	return value, nil
}

func (c *characteristicHandle) Write(data []byte) error {
	options := map[string]dbus.Variant{}
	call := c.factory.conn.Object(bluezService, c.path).
		Call(gattCharIface+".WriteValue", 0, data, options)
	if call.Err != nil {
		return fmt.Errorf("WriteValue on %s failed: %w", c.path, call.Err)
	}
	return nil
}

// EnableValueNotifications starts notification delivery; BlueZ reports the
// values through PropertiesChanged on the Value property.
func (c *characteristicHandle) EnableValueNotifications(handler func([]byte)) error {
	c.handlerMu.Lock()
	c.valueHandler = handler
	if c.unsubscribe == nil {
		c.unsubscribe = c.factory.subscribe(c.path, c.handleProperties)
	}
	c.handlerMu.Unlock()
	return c.factory.call(c.path, gattCharIface+".StartNotify")
}

func (c *characteristicHandle) DisableValueNotifications() error {
	c.handlerMu.Lock()
	c.valueHandler = nil
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.handlerMu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	return c.factory.call(c.path, gattCharIface+".StopNotify")
}

func (c *characteristicHandle) handleProperties(iface string, changed map[string]dbus.Variant) {
	c.handlerMu.Lock()
	handler := c.valueHandler
	c.handlerMu.Unlock()
	if iface != gattCharIface || handler == nil {
		return
	}
	if variant, ok := changed["Value"]; ok {
		if value, ok := variant.Value().([]byte); ok {
			handler(value)
		}
	}
}
