package manager

import (
	"fmt"
	"sync"
	"time"

	"github.com/srg/btmanager/pkg/bturl"
	"github.com/srg/btmanager/pkg/transport"
)

// eventLog records observable side effects of fakes and listeners in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *eventLog) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.events))
	copy(out, e.events)
	return out
}

func (e *eventLog) count(event string) int {
	n := 0
	for _, ev := range e.list() {
		if ev == event {
			n++
		}
	}
	return n
}

func (e *eventLog) indexOf(event string) int {
	for i, ev := range e.list() {
		if ev == event {
			return i
		}
	}
	return -1
}

// fakeFactory is an in-memory transport backend.
type fakeFactory struct {
	mu         sync.Mutex
	objects    map[bturl.URL]transport.Object
	getErr     error
	adapters   []transport.Adapter
	devices    []transport.Device
	devicesErr error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{objects: make(map[bturl.URL]transport.Object)}
}

func (f *fakeFactory) ProtocolName() string { return "fake" }

func (f *fakeFactory) put(obj transport.Object) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[registryKey(obj.URL())] = obj
}

func (f *fakeFactory) remove(url bturl.URL) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, registryKey(url))
}

func (f *fakeFactory) GetObject(url bturl.URL) (transport.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	obj, ok := f.objects[registryKey(url)]
	if !ok {
		return nil, nil
	}
	return obj, nil
}

func (f *fakeFactory) DiscoveredAdapters() ([]transport.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return snapshot(f.adapters), nil
}

func (f *fakeFactory) DiscoveredDevices() ([]transport.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.devicesErr != nil {
		return nil, f.devicesErr
	}
	if f.devices == nil {
		return nil, nil
	}
	return snapshot(f.devices), nil
}

func (f *fakeFactory) setDiscovered(adapters []transport.Adapter, devices []transport.Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adapters = adapters
	f.devices = devices
}

// fakeAdapter implements transport.Adapter.
type fakeAdapter struct {
	url bturl.URL
	log *eventLog

	mu                 sync.Mutex
	name               string
	alias              string
	powered            bool
	discovering        bool
	disposed           bool
	devices            []bturl.URL
	poweredHandler     func(bool)
	discoveringHandler func(bool)
}

func newFakeAdapter(address string, log *eventLog) *fakeAdapter {
	return &fakeAdapter{
		url:  bturl.NewAdapter(address).CopyWithProtocol("fake"),
		log:  log,
		name: "adapter-" + address,
	}
}

func (a *fakeAdapter) URL() bturl.URL { return a.url }

func (a *fakeAdapter) Dispose() {
	a.mu.Lock()
	a.disposed = true
	a.mu.Unlock()
	a.log.add("dispose:adapter:" + a.url.AdapterAddress)
}

func (a *fakeAdapter) Name() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.name, nil
}

func (a *fakeAdapter) Alias() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alias, nil
}

func (a *fakeAdapter) SetAlias(alias string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alias = alias
	return nil
}

func (a *fakeAdapter) IsPowered() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.powered, nil
}

func (a *fakeAdapter) SetPowered(powered bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.powered = powered
	return nil
}

func (a *fakeAdapter) IsDiscovering() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.discovering, nil
}

func (a *fakeAdapter) StartDiscovery() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.discovering = true
	a.log.add("start-discovery:" + a.url.AdapterAddress)
	return nil
}

func (a *fakeAdapter) StopDiscovery() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.discovering = false
	a.log.add("stop-discovery:" + a.url.AdapterAddress)
	return nil
}

func (a *fakeAdapter) Devices() ([]bturl.URL, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return snapshot(a.devices), nil
}

func (a *fakeAdapter) EnablePoweredNotifications(handler func(bool)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.poweredHandler = handler
	return nil
}

func (a *fakeAdapter) DisablePoweredNotifications() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.poweredHandler = nil
	return nil
}

func (a *fakeAdapter) EnableDiscoveringNotifications(handler func(bool)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.discoveringHandler = handler
	return nil
}

func (a *fakeAdapter) DisableDiscoveringNotifications() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.discoveringHandler = nil
	return nil
}

// fakeDevice implements transport.Device.
type fakeDevice struct {
	url bturl.URL
	log *eventLog

	mu              sync.Mutex
	name            string
	alias           string
	rssi            int16
	txPower         int16
	connected       bool
	blocked         bool
	disposed        bool
	updateDelay     time.Duration
	updateHandleRun int

	failBlockedQuery error
	failConnect      error

	rssiHandler             func(int16)
	connectedHandler        func(bool)
	servicesResolvedHandler func(bool)
	blockedHandler          func(bool)
	manufacturerHandler     func(map[uint16][]byte)
	serviceDataHandler      func(map[string][]byte)

	services []transport.GattService
}

func newFakeDevice(adapterAddress, deviceAddress string, log *eventLog) *fakeDevice {
	return &fakeDevice{
		url:  bturl.NewDevice(adapterAddress, deviceAddress).CopyWithProtocol("fake"),
		log:  log,
		name: "device-" + deviceAddress,
		rssi: -60,
	}
}

func (d *fakeDevice) URL() bturl.URL { return d.url }

func (d *fakeDevice) Dispose() {
	d.mu.Lock()
	d.disposed = true
	d.mu.Unlock()
	d.log.add("dispose:device:" + d.url.DeviceAddress)
}

func (d *fakeDevice) Name() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name, nil
}

func (d *fakeDevice) Alias() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alias, nil
}

func (d *fakeDevice) SetAlias(alias string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alias = alias
	return nil
}

func (d *fakeDevice) BluetoothClass() (uint32, error) { return 0x1f00, nil }
func (d *fakeDevice) IsBleEnabled() (bool, error)     { return true, nil }

func (d *fakeDevice) RSSI() (int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rssi, nil
}

func (d *fakeDevice) TxPower() (int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txPower, nil
}

func (d *fakeDevice) IsConnected() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected, nil
}

func (d *fakeDevice) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failConnect != nil {
		return d.failConnect
	}
	d.connected = true
	d.log.add("connect:" + d.url.DeviceAddress)
	return nil
}

func (d *fakeDevice) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	d.log.add("disconnect:" + d.url.DeviceAddress)
	return nil
}

func (d *fakeDevice) IsBlocked() (bool, error) {
	d.mu.Lock()
	delay := d.updateDelay
	d.updateHandleRun++
	err := d.failBlockedQuery
	blocked := d.blocked
	d.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return false, err
	}
	return blocked, nil
}

func (d *fakeDevice) SetBlocked(blocked bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blocked = blocked
	return nil
}

func (d *fakeDevice) IsServicesResolved() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.services) > 0, nil
}

func (d *fakeDevice) Services() ([]transport.GattService, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return snapshot(d.services), nil
}

func (d *fakeDevice) EnableRSSINotifications(handler func(int16)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rssiHandler = handler
	return nil
}

func (d *fakeDevice) DisableRSSINotifications() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rssiHandler = nil
	return nil
}

func (d *fakeDevice) EnableConnectedNotifications(handler func(bool)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectedHandler = handler
	return nil
}

func (d *fakeDevice) DisableConnectedNotifications() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectedHandler = nil
	return nil
}

func (d *fakeDevice) EnableServicesResolvedNotifications(handler func(bool)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.servicesResolvedHandler = handler
	return nil
}

func (d *fakeDevice) DisableServicesResolvedNotifications() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.servicesResolvedHandler = nil
	return nil
}

func (d *fakeDevice) EnableBlockedNotifications(handler func(bool)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blockedHandler = handler
	return nil
}

func (d *fakeDevice) DisableBlockedNotifications() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blockedHandler = nil
	return nil
}

func (d *fakeDevice) EnableManufacturerDataNotifications(handler func(map[uint16][]byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.manufacturerHandler = handler
	return nil
}

func (d *fakeDevice) DisableManufacturerDataNotifications() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.manufacturerHandler = nil
	return nil
}

func (d *fakeDevice) EnableServiceDataNotifications(handler func(map[string][]byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.serviceDataHandler = handler
	return nil
}

func (d *fakeDevice) DisableServiceDataNotifications() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.serviceDataHandler = nil
	return nil
}

func (d *fakeDevice) pushRSSI(rssi int16) {
	d.mu.Lock()
	d.rssi = rssi
	handler := d.rssiHandler
	d.mu.Unlock()
	if handler != nil {
		handler(rssi)
	}
}

// fakeCharacteristic implements transport.Characteristic.
type fakeCharacteristic struct {
	url bturl.URL
	log *eventLog

	mu           sync.Mutex
	flags        []string
	value        []byte
	notifying    bool
	disposed     bool
	valueHandler func([]byte)

	failWrite error
}

func newFakeCharacteristic(adapterAddress, deviceAddress, uuid string, log *eventLog) *fakeCharacteristic {
	return &fakeCharacteristic{
		url:   bturl.NewCharacteristic(adapterAddress, deviceAddress, uuid).CopyWithProtocol("fake"),
		log:   log,
		flags: []string{transport.FlagRead, transport.FlagWrite, transport.FlagNotify},
	}
}

func (c *fakeCharacteristic) URL() bturl.URL { return c.url }

func (c *fakeCharacteristic) Dispose() {
	c.mu.Lock()
	c.disposed = true
	c.mu.Unlock()
	c.log.add("dispose:characteristic:" + c.url.CharacteristicUUID)
}

func (c *fakeCharacteristic) Flags() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return snapshot(c.flags), nil
}

func (c *fakeCharacteristic) IsNotifying() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifying, nil
}

func (c *fakeCharacteristic) Read() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return snapshot(c.value), nil
}

func (c *fakeCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrite != nil {
		return c.failWrite
	}
	c.value = snapshot(data)
	return nil
}

func (c *fakeCharacteristic) EnableValueNotifications(handler func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valueHandler = handler
	c.notifying = true
	return nil
}

func (c *fakeCharacteristic) DisableValueNotifications() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valueHandler = nil
	c.notifying = false
	return nil
}

func (c *fakeCharacteristic) pushValue(value []byte) {
	c.mu.Lock()
	handler := c.valueHandler
	c.mu.Unlock()
	if handler != nil {
		handler(value)
	}
}

// recordingGovernorListener records lifecycle events into an event log.
type recordingGovernorListener struct {
	log    *eventLog
	prefix string
}

func (r *recordingGovernorListener) Ready(ready bool) {
	r.log.add(fmt.Sprintf("%sready:%t", r.prefix, ready))
}

func (r *recordingGovernorListener) LastUpdatedChanged(time.Time) {
	r.log.add(r.prefix + "lastUpdated")
}

// recordingGenericListener records generic device events.
type recordingGenericListener struct {
	log *eventLog

	mu   sync.Mutex
	rssi []int16
}

func (r *recordingGenericListener) Online()  { r.log.add("online") }
func (r *recordingGenericListener) Offline() { r.log.add("offline") }

func (r *recordingGenericListener) RSSIChanged(rssi int16) {
	r.mu.Lock()
	r.rssi = append(r.rssi, rssi)
	r.mu.Unlock()
	r.log.add("rssiChanged")
}

func (r *recordingGenericListener) rssiEvents() []int16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.rssi)
}

func (r *recordingGenericListener) Blocked(blocked bool) {
	r.log.add(fmt.Sprintf("blocked:%t", blocked))
}

func (r *recordingGenericListener) ManufacturerDataChanged(map[uint16][]byte) {
	r.log.add("manufacturerData")
}

func (r *recordingGenericListener) ServiceDataChanged(map[bturl.URL][]byte) {
	r.log.add("serviceData")
}

// recordingSmartListener records BLE device events.
type recordingSmartListener struct {
	log *eventLog
}

func (r *recordingSmartListener) Connected()    { r.log.add("connected") }
func (r *recordingSmartListener) Disconnected() { r.log.add("disconnected") }

func (r *recordingSmartListener) ServicesResolved([]transport.GattService) {
	r.log.add("servicesResolved")
}

func (r *recordingSmartListener) ServicesUnresolved() { r.log.add("servicesUnresolved") }

func (r *recordingSmartListener) CharacteristicChanged(url bturl.URL, value []byte) {
	r.log.add("characteristicChanged:" + url.CharacteristicUUID)
}

// recordingValueListener records characteristic value events.
type recordingValueListener struct {
	log *eventLog
}

func (r *recordingValueListener) Changed(value []byte) {
	r.log.add(fmt.Sprintf("value:%x", value))
}

// recordingAdapterListener records adapter signal events.
type recordingAdapterListener struct {
	log *eventLog
}

func (r *recordingAdapterListener) Powered(powered bool) {
	r.log.add(fmt.Sprintf("powered:%t", powered))
}

func (r *recordingAdapterListener) Discovering(discovering bool) {
	r.log.add(fmt.Sprintf("discovering:%t", discovering))
}

// recordingDiscoveryListener records discovery events for both kinds.
type recordingDiscoveryListener struct {
	log *eventLog
}

func (r *recordingDiscoveryListener) Discovered(device DiscoveredDevice) {
	r.log.add("discovered:device:" + device.URL.DeviceAddress)
}

func (r *recordingDiscoveryListener) Lost(url bturl.URL) {
	if url.IsDevice() {
		r.log.add("lost:device:" + url.DeviceAddress)
	} else {
		r.log.add("lost:adapter:" + url.AdapterAddress)
	}
}

type recordingAdapterDiscoveryListener struct {
	log *eventLog
}

func (r *recordingAdapterDiscoveryListener) Discovered(adapter DiscoveredAdapter) {
	r.log.add("discovered:adapter:" + adapter.URL.AdapterAddress)
}

func (r *recordingAdapterDiscoveryListener) Lost(url bturl.URL) {
	r.log.add("lost:adapter:" + url.AdapterAddress)
}
