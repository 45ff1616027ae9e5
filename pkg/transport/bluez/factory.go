//go:build linux

// Package bluez is a reference transport backend bound to the BlueZ daemon
// over the system D-Bus. Adapters, devices and GATT characteristics map to
// org.bluez.Adapter1, Device1 and GattCharacteristic1 objects; property
// change signals are converted into handle notifications.
package bluez

import (
	"fmt"
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/srg/btmanager/pkg/bturl"
	"github.com/srg/btmanager/pkg/transport"
)

// Protocol is the backend identifier recorded by governors.
const Protocol = "bluez"

const (
	bluezService    = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	gattServiceIf   = "org.bluez.GattService1"
	gattCharIface   = "org.bluez.GattCharacteristic1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsIface      = "org.freedesktop.DBus.Properties"
)

// propsHandler consumes PropertiesChanged bodies for one object path.
type propsHandler func(iface string, changed map[string]dbus.Variant)

// Factory implements transport.Factory over a BlueZ system bus connection.
type Factory struct {
	logger *logrus.Logger
	log    *logrus.Entry

	conn *dbus.Conn

	mu        sync.Mutex
	handlers  map[dbus.ObjectPath]map[int]propsHandler
	handlerID int
	signals   chan *dbus.Signal
	closed    bool
}

// NewFactory connects to the system bus and starts the signal pump.
func NewFactory(logger *logrus.Logger) (*Factory, error) {
	if logger == nil {
		logger = logrus.New()
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	f := &Factory{
		logger:   logger,
		log:      logger.WithField("component", "bluez-transport"),
		conn:     conn,
		handlers: make(map[dbus.ObjectPath]map[int]propsHandler),
		signals:  make(chan *dbus.Signal, 64),
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return nil, fmt.Errorf("failed to subscribe to property signals: %w", err)
	}
	conn.Signal(f.signals)
	go f.pumpSignals()
	return f, nil
}

// Close stops signal dispatching. The shared system bus connection is left
// open for other users of the process.
func (f *Factory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.handlers = make(map[dbus.ObjectPath]map[int]propsHandler)
	f.mu.Unlock()
	f.conn.RemoveSignal(f.signals)
	return nil
}

// ProtocolName implements transport.Factory.
func (f *Factory) ProtocolName() string { return Protocol }

// GetObject implements transport.Factory.
func (f *Factory) GetObject(url bturl.URL) (transport.Object, error) {
	switch {
	case url.IsAdapter():
		path, err := f.findAdapterPath(url.AdapterAddress)
		if err != nil || path == "" {
			return nil, err
		}
		return &adapterHandle{factory: f, path: path, address: url.AdapterAddress}, nil
	case url.IsDevice():
		path, err := f.findDevicePath(url.AdapterAddress, url.DeviceAddress)
		if err != nil || path == "" {
			return nil, err
		}
		return &deviceHandle{factory: f, path: path, url: url.CopyWithProtocol(Protocol)}, nil
	case url.IsCharacteristic():
		path, err := f.findCharacteristicPath(url)
		if err != nil || path == "" {
			return nil, err
		}
		return &characteristicHandle{factory: f, path: path, url: url.CopyWithProtocol(Protocol)}, nil
	default:
		return nil, nil
	}
}

// DiscoveredAdapters implements transport.Factory.
func (f *Factory) DiscoveredAdapters() ([]transport.Adapter, error) {
	objects, err := f.managedObjects()
	if err != nil {
		return nil, err
	}
	var adapters []transport.Adapter
	for path, interfaces := range objects {
		props, ok := interfaces[adapterIface]
		if !ok {
			continue
		}
		address, _ := stringProp(props, "Address")
		if address == "" {
			continue
		}
		adapters = append(adapters, &adapterHandle{factory: f, path: path, address: address})
	}
	return adapters, nil
}

// DiscoveredDevices implements transport.Factory.
func (f *Factory) DiscoveredDevices() ([]transport.Device, error) {
	objects, err := f.managedObjects()
	if err != nil {
		return nil, err
	}
	var devices []transport.Device
	for path, interfaces := range objects {
		props, ok := interfaces[deviceIface]
		if !ok {
			continue
		}
		address, _ := stringProp(props, "Address")
		adapterAddress := f.adapterAddressOf(objects, props)
		if address == "" || adapterAddress == "" {
			continue
		}
		devices = append(devices, &deviceHandle{
			factory: f,
			path:    path,
			url:     bturl.NewDevice(adapterAddress, address).CopyWithProtocol(Protocol),
		})
	}
	return devices, nil
}

func (f *Factory) adapterAddressOf(
	objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant,
	deviceProps map[string]dbus.Variant,
) string {
	variant, ok := deviceProps["Adapter"]
	if !ok {
		return ""
	}
	adapterPath, ok := variant.Value().(dbus.ObjectPath)
	if !ok {
		return ""
	}
	adapterProps, ok := objects[adapterPath][adapterIface]
	if !ok {
		return ""
	}
	address, _ := stringProp(adapterProps, "Address")
	return address
}

func (f *Factory) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := f.conn.Object(bluezService, "/").
		Call(objManagerIface+".GetManagedObjects", 0).
		Store(&objects)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate bluez objects: %w", err)
	}
	return objects, nil
}

func (f *Factory) findAdapterPath(address string) (dbus.ObjectPath, error) {
	objects, err := f.managedObjects()
	if err != nil {
		return "", err
	}
	for path, interfaces := range objects {
		if props, ok := interfaces[adapterIface]; ok {
			if addr, _ := stringProp(props, "Address"); strings.EqualFold(addr, address) {
				return path, nil
			}
		}
	}
	return "", nil
}

func (f *Factory) findDevicePath(adapterAddress, deviceAddress string) (dbus.ObjectPath, error) {
	objects, err := f.managedObjects()
	if err != nil {
		return "", err
	}
	for path, interfaces := range objects {
		props, ok := interfaces[deviceIface]
		if !ok {
			continue
		}
		addr, _ := stringProp(props, "Address")
		if !strings.EqualFold(addr, deviceAddress) {
			continue
		}
		if !strings.EqualFold(f.adapterAddressOf(objects, props), adapterAddress) {
			continue
		}
		return path, nil
	}
	return "", nil
}

// findCharacteristicPath resolves a characteristic by UUID under its parent
// device. BlueZ only materializes characteristics after service resolution.
func (f *Factory) findCharacteristicPath(url bturl.URL) (dbus.ObjectPath, error) {
	devicePath, err := f.findDevicePath(url.AdapterAddress, url.DeviceAddress)
	if err != nil || devicePath == "" {
		return "", err
	}
	objects, err := f.managedObjects()
	if err != nil {
		return "", err
	}
	for path, interfaces := range objects {
		props, ok := interfaces[gattCharIface]
		if !ok {
			continue
		}
		if !strings.HasPrefix(string(path), string(devicePath)+"/") {
			continue
		}
		if uuid, _ := stringProp(props, "UUID"); strings.EqualFold(uuid, url.CharacteristicUUID) {
			return path, nil
		}
	}
	return "", nil
}

// subscribe registers a PropertiesChanged handler for one object path and
// returns an unsubscribe function.
func (f *Factory) subscribe(path dbus.ObjectPath, handler propsHandler) func() {
	f.mu.Lock()
	f.handlerID++
	id := f.handlerID
	if f.handlers[path] == nil {
		f.handlers[path] = make(map[int]propsHandler)
	}
	f.handlers[path][id] = handler
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[path], id)
		if len(f.handlers[path]) == 0 {
			delete(f.handlers, path)
		}
	}
}

func (f *Factory) pumpSignals() {
	for signal := range f.signals {
		if signal.Name != propsIface+".PropertiesChanged" || len(signal.Body) < 2 {
			continue
		}
		iface, ok := signal.Body[0].(string)
		if !ok {
			continue
		}
		changed, ok := signal.Body[1].(map[string]dbus.Variant)
		if !ok {
			continue
		}
		f.mu.Lock()
		handlers := make([]propsHandler, 0, len(f.handlers[signal.Path]))
		for _, handler := range f.handlers[signal.Path] {
			handlers = append(handlers, handler)
		}
		f.mu.Unlock()
		for _, handler := range handlers {
			handler(iface, changed)
		}
	}
}

func (f *Factory) getProp(path dbus.ObjectPath, iface, name string, out interface{}) error {
	variant, err := f.conn.Object(bluezService, path).GetProperty(iface + "." + name)
	if err != nil {
		return fmt.Errorf("failed to read %s.%s of %s: %w", iface, name, path, err)
	}
	if err := variant.Store(out); err != nil {
		return fmt.Errorf("unexpected type of %s.%s: %w", iface, name, err)
	}
	return nil
}

func (f *Factory) setProp(path dbus.ObjectPath, iface, name string, value interface{}) error {
	err := f.conn.Object(bluezService, path).SetProperty(iface+"."+name, dbus.MakeVariant(value))
	if err != nil {
		return fmt.Errorf("failed to set %s.%s of %s: %w", iface, name, path, err)
	}
	return nil
}

func (f *Factory) call(path dbus.ObjectPath, method string) error {
	if call := f.conn.Object(bluezService, path).Call(method, 0); call.Err != nil {
		return fmt.Errorf("%s on %s failed: %w", method, path, call.Err)
	}
	return nil
}

func stringProp(props map[string]dbus.Variant, name string) (string, bool) {
	variant, ok := props[name]
	if !ok {
		return "", false
	}
	value, ok := variant.Value().(string)
	return value, ok
}
