//go:build darwin

package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/btmanager/internal/groutine"
	"github.com/srg/btmanager/pkg/bturl"
	"github.com/srg/btmanager/pkg/transport"
)

// deviceState is the factory-owned mirror of one peripheral: the latest
// advertisement data plus the connection, when established. Handles are thin
// views over it and may be disposed and re-acquired while the state lives on.
type deviceState struct {
	address string

	mu           sync.Mutex
	name         string
	rssi         int16
	txPower      int16
	lastSeen     time.Time
	manufacturer map[uint16][]byte
	serviceData  map[string][]byte

	client  ble.Client
	profile *ble.Profile

	rssiHandler             func(int16)
	connectedHandler        func(bool)
	servicesResolvedHandler func(bool)
	manufacturerHandler     func(map[uint16][]byte)
	serviceDataHandler      func(map[string][]byte)
}

func newDeviceState(address string) *deviceState {
	return &deviceState{
		address:      address,
		manufacturer: make(map[uint16][]byte),
		serviceData:  make(map[string][]byte),
	}
}

// update mirrors one advertisement and relays the signals to subscribers.
func (s *deviceState) update(adv ble.Advertisement) {
	s.mu.Lock()
	if name := adv.LocalName(); name != "" {
		s.name = name
	}
	s.rssi = int16(adv.RSSI())
	if power := adv.TxPowerLevel(); power != 127 {
		// 127 is the "not available" sentinel of the advertisement PDU.
		s.txPower = int16(power)
	}
	s.lastSeen = time.Now()

	manufacturer := parseManufacturerData(adv.ManufacturerData())
	for id, payload := range manufacturer {
		s.manufacturer[id] = payload
	}
	serviceData := make(map[string][]byte, len(adv.ServiceData()))
	for _, sd := range adv.ServiceData() {
		payload := make([]byte, len(sd.Data))
		copy(payload, sd.Data)
		s.serviceData[sd.UUID.String()] = payload
		serviceData[sd.UUID.String()] = payload
	}

	rssiHandler := s.rssiHandler
	manufacturerHandler := s.manufacturerHandler
	serviceDataHandler := s.serviceDataHandler
	rssi := s.rssi
	s.mu.Unlock()

	if rssiHandler != nil {
		rssiHandler(rssi)
	}
	if manufacturerHandler != nil && len(manufacturer) > 0 {
		manufacturerHandler(manufacturer)
	}
	if serviceDataHandler != nil && len(serviceData) > 0 {
		serviceDataHandler(serviceData)
	}
}

func (s *deviceState) disconnect(log *logrus.Entry) {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.profile = nil
	s.mu.Unlock()
	if client != nil {
		if err := client.CancelConnection(); err != nil {
			log.WithError(err).Debug("Could not cancel connection")
		}
	}
}

// findCharacteristic resolves a characteristic of the connected profile by
// UUID. Returns nil without an error when the device is not connected yet.
func (s *deviceState) findCharacteristic(uuid string) (*ble.Characteristic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil || s.profile == nil {
		return nil, nil
	}
	for _, service := range s.profile.Services {
		for _, char := range service.Characteristics {
			if strings.EqualFold(char.UUID.String(), uuid) {
				return char, nil
			}
		}
	}
	return nil, nil
}

// deviceHandle implements transport.Device over a deviceState.
type deviceHandle struct {
	factory *Factory
	state   *deviceState
}

func (d *deviceHandle) URL() bturl.URL {
	return bturl.NewDevice(d.factory.adapterAddress, d.state.address).CopyWithProtocol(Protocol)
}

func (d *deviceHandle) Dispose() {
	d.state.disconnect(d.factory.log)
}

func (d *deviceHandle) Name() (string, error) {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	if d.state.name != "" {
		return d.state.name, nil
	}
	return d.state.address, nil
}

func (d *deviceHandle) Alias() (string, error) {
	return "", nil
}

func (d *deviceHandle) SetAlias(string) error {
	return ErrNotSupported
}

func (d *deviceHandle) BluetoothClass() (uint32, error) {
	// Advertisements of BLE peripherals do not carry a class-of-device.
	return 0, nil
}

func (d *deviceHandle) IsBleEnabled() (bool, error) {
	return true, nil
}

func (d *deviceHandle) RSSI() (int16, error) {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	return d.state.rssi, nil
}

func (d *deviceHandle) TxPower() (int16, error) {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	return d.state.txPower, nil
}

func (d *deviceHandle) IsConnected() (bool, error) {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	return d.state.client != nil, nil
}

// Connect dials the peripheral through the circuit breaker, resolves its
// GATT profile and watches for the link dropping.
func (d *deviceHandle) Connect() error {
	if connected, _ := d.IsConnected(); connected {
		return nil
	}

	client, err := d.factory.breaker.Execute(func() (ble.Client, error) {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		return d.factory.dial(ctx, d.state.address)
	})
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", d.state.address, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			d.factory.log.WithError(cancelErr).Debug("Could not cancel connection")
		}
		return fmt.Errorf("failed to discover profile of %s: %w", d.state.address, err)
	}

	d.state.mu.Lock()
	d.state.client = client
	d.state.profile = profile
	connectedHandler := d.state.connectedHandler
	resolvedHandler := d.state.servicesResolvedHandler
	d.state.mu.Unlock()

	if connectedHandler != nil {
		connectedHandler(true)
	}
	if resolvedHandler != nil {
		resolvedHandler(true)
	}

	groutine.Go("goble-disconnect-watch", func() {
		d.watchDisconnect(client)
	})
	return nil
}

// watchDisconnect clears the connection state when the link drops.
func (d *deviceHandle) watchDisconnect(client ble.Client) {
	<-client.Disconnected()

	d.state.mu.Lock()
	if d.state.client != client {
		// A newer connection replaced this one already.
		d.state.mu.Unlock()
		return
	}
	d.state.client = nil
	d.state.profile = nil
	connectedHandler := d.state.connectedHandler
	resolvedHandler := d.state.servicesResolvedHandler
	d.state.mu.Unlock()

	d.factory.log.WithField("device", d.state.address).Info("Connection lost")
	if resolvedHandler != nil {
		resolvedHandler(false)
	}
	if connectedHandler != nil {
		connectedHandler(false)
	}
}

func (d *deviceHandle) Disconnect() error {
	d.state.mu.Lock()
	client := d.state.client
	d.state.client = nil
	d.state.profile = nil
	connectedHandler := d.state.connectedHandler
	resolvedHandler := d.state.servicesResolvedHandler
	d.state.mu.Unlock()

	if client == nil {
		return nil
	}
	err := client.CancelConnection()
	if resolvedHandler != nil {
		resolvedHandler(false)
	}
	if connectedHandler != nil {
		connectedHandler(false)
	}
	return err
}

func (d *deviceHandle) IsBlocked() (bool, error) {
	return false, nil
}

func (d *deviceHandle) SetBlocked(blocked bool) error {
	if blocked {
		return ErrNotSupported
	}
	return nil
}

func (d *deviceHandle) IsServicesResolved() (bool, error) {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	return d.state.profile != nil, nil
}

func (d *deviceHandle) Services() ([]transport.GattService, error) {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	if d.state.profile == nil {
		return nil, ErrNotConnected
	}

	deviceURL := bturl.NewDevice(d.factory.adapterAddress, d.state.address).CopyWithProtocol(Protocol)
	services := make([]transport.GattService, 0, len(d.state.profile.Services))
	for _, service := range d.state.profile.Services {
		gatt := transport.GattService{URL: deviceURL}
		gatt.URL.CharacteristicUUID = service.UUID.String()
		for _, char := range service.Characteristics {
			charURL := deviceURL
			charURL.CharacteristicUUID = char.UUID.String()
			gatt.Characteristics = append(gatt.Characteristics, charURL)
		}
		services = append(services, gatt)
	}
	return services, nil
}

func (d *deviceHandle) EnableRSSINotifications(handler func(int16)) error {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	d.state.rssiHandler = handler
	return nil
}

func (d *deviceHandle) DisableRSSINotifications() error {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	d.state.rssiHandler = nil
	return nil
}

func (d *deviceHandle) EnableConnectedNotifications(handler func(bool)) error {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	d.state.connectedHandler = handler
	return nil
}

func (d *deviceHandle) DisableConnectedNotifications() error {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	d.state.connectedHandler = nil
	return nil
}

func (d *deviceHandle) EnableServicesResolvedNotifications(handler func(bool)) error {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	d.state.servicesResolvedHandler = handler
	return nil
}

func (d *deviceHandle) DisableServicesResolvedNotifications() error {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	d.state.servicesResolvedHandler = nil
	return nil
}

func (d *deviceHandle) EnableBlockedNotifications(func(bool)) error {
	// Blocking is not modeled by the host stack; the signal never fires.
	return nil
}

func (d *deviceHandle) DisableBlockedNotifications() error {
	return nil
}

func (d *deviceHandle) EnableManufacturerDataNotifications(handler func(map[uint16][]byte)) error {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	d.state.manufacturerHandler = handler
	return nil
}

func (d *deviceHandle) DisableManufacturerDataNotifications() error {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	d.state.manufacturerHandler = nil
	return nil
}

func (d *deviceHandle) EnableServiceDataNotifications(handler func(map[string][]byte)) error {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	d.state.serviceDataHandler = handler
	return nil
}

func (d *deviceHandle) DisableServiceDataNotifications() error {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	d.state.serviceDataHandler = nil
	return nil
}
