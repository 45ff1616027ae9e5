//go:build darwin

// Package goble is a reference transport backend bound to the go-ble host
// stack. It exposes a single adapter (the host controller), the devices seen
// by its scanner and the GATT characteristics of connected devices.
package goble

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/srg/btmanager/internal/groutine"
	"github.com/srg/btmanager/pkg/bturl"
	"github.com/srg/btmanager/pkg/transport"
)

// Protocol is the backend identifier recorded by governors.
const Protocol = "goble"

// DefaultAdapterAddress labels the host controller; go-ble does not expose
// the controller's own address.
const DefaultAdapterAddress = "host"

const dialTimeout = 30 * time.Second

// DeviceFactory creates ble.Device instances (can be overridden in tests).
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}

// Factory implements transport.Factory on top of one go-ble host device.
type Factory struct {
	logger *logrus.Logger
	log    *logrus.Entry

	adapterAddress string

	mu                 sync.Mutex
	dev                ble.Device
	powered            bool
	scanCancel         context.CancelFunc
	devices            map[string]*deviceState
	poweredHandler     func(bool)
	discoveringHandler func(bool)

	// breaker guards dialing: a peripheral that repeatedly fails to connect
	// stops consuming dial slots until the cool-down elapses.
	breaker *gobreaker.CircuitBreaker[ble.Client]
}

// NewFactory initializes the go-ble host device and returns the factory.
func NewFactory(logger *logrus.Logger) (*Factory, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, err
	}

	f := &Factory{
		logger:         logger,
		log:            logger.WithField("component", "goble-transport"),
		adapterAddress: DefaultAdapterAddress,
		dev:            dev,
		powered:        true,
		devices:        make(map[string]*deviceState),
	}
	f.breaker = gobreaker.NewCircuitBreaker[ble.Client](gobreaker.Settings{
		Name:    "goble-dial",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Dial circuit breaker state changed")
		},
	})
	return f, nil
}

// ProtocolName implements transport.Factory.
func (f *Factory) ProtocolName() string { return Protocol }

// GetObject implements transport.Factory.
func (f *Factory) GetObject(url bturl.URL) (transport.Object, error) {
	switch {
	case url.IsAdapter():
		if url.AdapterAddress != f.adapterAddress {
			return nil, nil
		}
		return &adapterHandle{factory: f}, nil
	case url.IsDevice():
		state := f.deviceState(url.DeviceAddress, false)
		if state == nil {
			return nil, nil
		}
		return &deviceHandle{factory: f, state: state}, nil
	case url.IsCharacteristic():
		state := f.deviceState(url.DeviceAddress, false)
		if state == nil {
			return nil, nil
		}
		char, err := state.findCharacteristic(url.CharacteristicUUID)
		if err != nil || char == nil {
			return nil, err
		}
		return &characteristicHandle{factory: f, state: state, char: char, uuid: url.CharacteristicUUID}, nil
	default:
		return nil, nil
	}
}

// DiscoveredAdapters implements transport.Factory. The host stack exposes
// exactly one controller.
func (f *Factory) DiscoveredAdapters() ([]transport.Adapter, error) {
	return []transport.Adapter{&adapterHandle{factory: f}}, nil
}

// DiscoveredDevices implements transport.Factory.
func (f *Factory) DiscoveredDevices() ([]transport.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Device, 0, len(f.devices))
	for _, state := range f.devices {
		out = append(out, &deviceHandle{factory: f, state: state})
	}
	return out, nil
}

// Close stops scanning and disconnects all devices.
func (f *Factory) Close() error {
	f.stopScan()
	f.mu.Lock()
	states := make([]*deviceState, 0, len(f.devices))
	for _, state := range f.devices {
		states = append(states, state)
	}
	f.mu.Unlock()
	for _, state := range states {
		state.disconnect(f.log)
	}
	return nil
}

func (f *Factory) dial(ctx context.Context, address string) (ble.Client, error) {
	f.mu.Lock()
	dev := f.dev
	f.mu.Unlock()
	return dev.Dial(ctx, ble.NewAddr(address))
}

func (f *Factory) adapterURL() bturl.URL {
	return bturl.NewAdapter(f.adapterAddress).CopyWithProtocol(Protocol)
}

func (f *Factory) deviceState(address string, create bool) *deviceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.devices[address]
	if !ok && create {
		state = newDeviceState(address)
		f.devices[address] = state
	}
	return state
}

func (f *Factory) startScan() error {
	f.mu.Lock()
	if f.scanCancel != nil {
		f.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.scanCancel = cancel
	dev := f.dev
	handler := f.discoveringHandler
	f.mu.Unlock()

	f.log.Info("Starting BLE scan")
	if handler != nil {
		handler(true)
	}
	groutine.Go("goble-scan", func() {
		err := dev.Scan(ctx, true, f.handleAdvertisement)
		if err != nil && ctx.Err() == nil {
			f.log.WithError(err).Warn("BLE scan terminated")
		}
		f.mu.Lock()
		if ctx.Err() == nil {
			// The scan died on its own; stopScan has not cleared the state.
			f.scanCancel = nil
		}
		f.mu.Unlock()
	})
	return nil
}

func (f *Factory) stopScan() {
	f.mu.Lock()
	cancel := f.scanCancel
	f.scanCancel = nil
	handler := f.discoveringHandler
	f.mu.Unlock()
	if cancel != nil {
		f.log.Info("Stopping BLE scan")
		cancel()
		if handler != nil {
			handler(false)
		}
	}
}

func (f *Factory) isScanning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanCancel != nil
}

// handleAdvertisement mirrors one advertisement into the device state and
// relays signal updates to subscribed handlers.
func (f *Factory) handleAdvertisement(adv ble.Advertisement) {
	state := f.deviceState(adv.Addr().String(), true)
	state.update(adv)
}

// parseManufacturerData splits the raw advertisement payload into the
// company-ID keyed form: the first two bytes carry the little-endian
// manufacturer ID.
func parseManufacturerData(raw []byte) map[uint16][]byte {
	if len(raw) < 2 {
		return nil
	}
	id := binary.LittleEndian.Uint16(raw[:2])
	payload := make([]byte, len(raw)-2)
	copy(payload, raw[2:])
	return map[uint16][]byte{id: payload}
}
