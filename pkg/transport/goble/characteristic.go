//go:build darwin

package goble

import (
	"github.com/go-ble/ble"

	"github.com/srg/btmanager/pkg/bturl"
	"github.com/srg/btmanager/pkg/transport"
)

// characteristicHandle implements transport.Characteristic for one resolved
// GATT characteristic of a connected device.
type characteristicHandle struct {
	factory *Factory
	state   *deviceState
	char    *ble.Characteristic
	uuid    string

	notifying bool
}

func (c *characteristicHandle) URL() bturl.URL {
	return bturl.NewCharacteristic(c.factory.adapterAddress, c.state.address, c.uuid).
		CopyWithProtocol(Protocol)
}

func (c *characteristicHandle) Dispose() {
	if c.notifying {
		_ = c.DisableValueNotifications()
	}
}

func (c *characteristicHandle) Flags() ([]string, error) {
	var flags []string
	property := c.char.Property
	if property&ble.CharRead != 0 {
		flags = append(flags, transport.FlagRead)
	}
	if property&ble.CharWrite != 0 {
		flags = append(flags, transport.FlagWrite)
	}
	if property&ble.CharWriteNR != 0 {
		flags = append(flags, transport.FlagWriteWithoutResponse)
	}
	if property&ble.CharNotify != 0 {
		flags = append(flags, transport.FlagNotify)
	}
	if property&ble.CharIndicate != 0 {
		flags = append(flags, transport.FlagIndicate)
	}
	return flags, nil
}

func (c *characteristicHandle) IsNotifying() (bool, error) {
	return c.notifying, nil
}

func (c *characteristicHandle) Read() ([]byte, error) {
	client, err := c.client()
	if err != nil {
		return nil, err
	}
	return client.ReadCharacteristic(c.char)
}

// Write writes with response when the characteristic supports it, falling
// back to write-without-response.
func (c *characteristicHandle) Write(data []byte) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	noRsp := c.char.Property&ble.CharWrite == 0 && c.char.Property&ble.CharWriteNR != 0
	return client.WriteCharacteristic(c.char, data, noRsp)
}

func (c *characteristicHandle) EnableValueNotifications(handler func([]byte)) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	indicate := c.char.Property&ble.CharNotify == 0 && c.char.Property&ble.CharIndicate != 0
	if err := client.Subscribe(c.char, indicate, func(data []byte) {
		value := make([]byte, len(data))
		copy(value, data)
		handler(value)
	}); err != nil {
		return err
	}
	c.notifying = true
	return nil
}

func (c *characteristicHandle) DisableValueNotifications() error {
	client, err := c.client()
	if err != nil {
		return err
	}
	indicate := c.char.Property&ble.CharNotify == 0 && c.char.Property&ble.CharIndicate != 0
	if err := client.Unsubscribe(c.char, indicate); err != nil {
		return err
	}
	c.notifying = false
	return nil
}

func (c *characteristicHandle) client() (ble.Client, error) {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	if c.state.client == nil {
		return nil, ErrNotConnected
	}
	return c.state.client, nil
}
