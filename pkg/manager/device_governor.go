package manager

import (
	"sync"
	"time"

	"github.com/cornelk/hashmap"

	"github.com/srg/btmanager/internal/bitmap"
	"github.com/srg/btmanager/pkg/bturl"
	"github.com/srg/btmanager/pkg/rssi"
	"github.com/srg/btmanager/pkg/transport"
)

// Device governor defaults.
const (
	DefaultOnlineTimeout     = 20 * time.Second
	DefaultRssiReportingRate = time.Second
)

// DeviceGovernor supervises one bluetooth device. On top of the base
// lifecycle it aggregates connection demands from multiple controllers,
// smooths and throttles RSSI reports, tracks the online state and estimates
// the distance to the adapter.
type DeviceGovernor struct {
	*governor[transport.Device]

	connectionControl bitmap.ConcurrentBitMap

	controlMu                 sync.Mutex
	blockedControl            bool
	onlineTimeout             time.Duration
	measuredTxPower           int16
	signalPropagationExponent float64
	online                    bool

	rssiMu               sync.Mutex
	rssiFilter           rssi.Filter
	rssiFilterFactory    rssi.Factory
	rssiFilteringEnabled bool
	rssiReportingRate    time.Duration
	currentRSSI          int16
	lastAdvertised       time.Time
	lastRssiNotified     time.Time

	manufacturerData *hashmap.Map[uint16, []byte]
	serviceData      *hashmap.Map[string, []byte]

	smartListenersMu sync.Mutex
	smartListeners   []BluetoothSmartDeviceListener

	genericListenersMu sync.Mutex
	genericListeners   []GenericBluetoothDeviceListener
}

func newDeviceGovernor(m *Manager, url bturl.URL) *DeviceGovernor {
	dg := &DeviceGovernor{
		onlineTimeout:             DefaultOnlineTimeout,
		signalPropagationExponent: rssi.DefaultPropagationExponent,
		rssiFilterFactory:         func() rssi.Filter { return rssi.NewKalmanFilter() },
		rssiFilteringEnabled:      true,
		rssiReportingRate:         DefaultRssiReportingRate,
		manufacturerData:          hashmap.New[uint16, []byte](),
		serviceData:               hashmap.New[string, []byte](),
	}
	dg.rssiFilter = dg.rssiFilterFactory()
	dg.governor = newGovernor[transport.Device](m, url, dg)
	dg.applyConfig(m.deviceDefaults)
	return dg
}

func (dg *DeviceGovernor) applyConfig(defaults DeviceDefaults) {
	if defaults == (DeviceDefaults{}) {
		return
	}
	if defaults.OnlineTimeout > 0 {
		dg.onlineTimeout = defaults.OnlineTimeout
	}
	dg.measuredTxPower = defaults.MeasuredTxPower
	if defaults.SignalPropagationExponent > 0 {
		dg.signalPropagationExponent = defaults.SignalPropagationExponent
	}
	if defaults.RssiReportingRate >= 0 {
		dg.rssiReportingRate = defaults.RssiReportingRate
	}
	dg.rssiFilteringEnabled = defaults.RssiFilteringEnabled
}

// SetConnectionControl records a connection demand of one controller,
// identified by a bit index in [0, 63]. The device is kept connected while
// any controller demands it and disconnected once the last demand is
// withdrawn.
func (dg *DeviceGovernor) SetConnectionControl(controllerID int, connected bool) error {
	return dg.connectionControl.CumulativeSet(controllerID, connected, func() {
		// The aggregate demand flipped; reconcile promptly instead of
		// waiting for the next scheduled refresh.
		dg.manager.ScheduleUpdate(dg)
	}, nil)
}

// ConnectionControl reports the aggregate connection demand.
func (dg *DeviceGovernor) ConnectionControl() bool {
	return dg.connectionControl.Get()
}

// BlockedControl reports the requested blocked state.
func (dg *DeviceGovernor) BlockedControl() bool {
	dg.controlMu.Lock()
	defer dg.controlMu.Unlock()
	return dg.blockedControl
}

// SetBlockedControl requests the device to be blocked or unblocked.
func (dg *DeviceGovernor) SetBlockedControl(blocked bool) {
	dg.controlMu.Lock()
	dg.blockedControl = blocked
	dg.controlMu.Unlock()
	dg.manager.ScheduleUpdate(dg)
}

// OnlineTimeout returns the online timeout.
func (dg *DeviceGovernor) OnlineTimeout() time.Duration {
	dg.controlMu.Lock()
	defer dg.controlMu.Unlock()
	return dg.onlineTimeout
}

// SetOnlineTimeout sets the window after the last activity within which the
// device counts as online.
func (dg *DeviceGovernor) SetOnlineTimeout(timeout time.Duration) {
	dg.controlMu.Lock()
	dg.onlineTimeout = timeout
	dg.controlMu.Unlock()
}

// IsOnline reports whether the device has shown activity within the online
// timeout.
func (dg *DeviceGovernor) IsOnline() bool {
	dg.controlMu.Lock()
	timeout := dg.onlineTimeout
	dg.controlMu.Unlock()
	last := dg.LastActivity()
	return !last.IsZero() && time.Since(last) <= timeout
}

// Name returns the device name.
func (dg *DeviceGovernor) Name() (string, error) {
	return interact(dg.governor, "getName", transport.Device.Name)
}

// Alias returns the device alias.
func (dg *DeviceGovernor) Alias() (string, error) {
	return interact(dg.governor, "getAlias", transport.Device.Alias)
}

// SetAlias sets the device alias.
func (dg *DeviceGovernor) SetAlias(alias string) error {
	return interactVoid(dg.governor, "setAlias", func(h transport.Device) error {
		return h.SetAlias(alias)
	})
}

// DisplayName returns the alias when present, falling back to the name.
func (dg *DeviceGovernor) DisplayName() (string, error) {
	if alias, err := dg.Alias(); err == nil && alias != "" {
		return alias, nil
	}
	return dg.Name()
}

// BluetoothClass returns the device class bits.
func (dg *DeviceGovernor) BluetoothClass() (uint32, error) {
	return interact(dg.governor, "getBluetoothClass", transport.Device.BluetoothClass)
}

// IsBleEnabled reports whether the device supports bluetooth low energy.
func (dg *DeviceGovernor) IsBleEnabled() (bool, error) {
	return interact(dg.governor, "isBleEnabled", transport.Device.IsBleEnabled)
}

// IsConnected reports whether the device is connected.
func (dg *DeviceGovernor) IsConnected() (bool, error) {
	return interact(dg.governor, "isConnected", transport.Device.IsConnected)
}

// IsBlocked reports whether the device is blocked.
func (dg *DeviceGovernor) IsBlocked() (bool, error) {
	return interact(dg.governor, "isBlocked", transport.Device.IsBlocked)
}

// IsServicesResolved reports whether GATT services have been resolved.
func (dg *DeviceGovernor) IsServicesResolved() bool {
	resolved, err := interact(dg.governor, "isServicesResolved", transport.Device.IsServicesResolved)
	return err == nil && resolved
}

// ResolvedServices returns the resolved GATT services.
func (dg *DeviceGovernor) ResolvedServices() ([]transport.GattService, error) {
	return interact(dg.governor, "getServices", transport.Device.Services)
}

// CharacteristicURLs returns URLs of all characteristics of the device.
func (dg *DeviceGovernor) CharacteristicURLs() ([]bturl.URL, error) {
	services, err := dg.ResolvedServices()
	if err != nil {
		return nil, err
	}
	var urls []bturl.URL
	for _, service := range services {
		urls = append(urls, service.Characteristics...)
	}
	return urls, nil
}

// RSSI returns the raw RSSI as reported by the handle.
func (dg *DeviceGovernor) RSSI() (int16, error) {
	return interact(dg.governor, "getRSSI", transport.Device.RSSI)
}

// CurrentRSSI returns the latest reportable RSSI (smoothed when filtering is
// enabled) without touching the native handle.
func (dg *DeviceGovernor) CurrentRSSI() int16 {
	dg.rssiMu.Lock()
	defer dg.rssiMu.Unlock()
	return dg.currentRSSI
}

// LastAdvertised returns the time of the last received RSSI sample.
func (dg *DeviceGovernor) LastAdvertised() time.Time {
	dg.rssiMu.Lock()
	defer dg.rssiMu.Unlock()
	return dg.lastAdvertised
}

// TxPower returns the advertised TX power, 0 when the device does not
// advertise one.
func (dg *DeviceGovernor) TxPower() int16 {
	power, err := interact(dg.governor, "getTxPower", transport.Device.TxPower)
	if err != nil {
		return 0
	}
	return power
}

// MeasuredTxPower returns the user-supplied TX power measured one meter away
// from the adapter.
func (dg *DeviceGovernor) MeasuredTxPower() int16 {
	dg.controlMu.Lock()
	defer dg.controlMu.Unlock()
	return dg.measuredTxPower
}

// SetMeasuredTxPower sets the user-supplied TX power used in distance
// estimation.
func (dg *DeviceGovernor) SetMeasuredTxPower(txPower int16) {
	dg.controlMu.Lock()
	dg.measuredTxPower = txPower
	dg.controlMu.Unlock()
}

// SignalPropagationExponent returns the environment factor used in distance
// estimation.
func (dg *DeviceGovernor) SignalPropagationExponent() float64 {
	dg.controlMu.Lock()
	defer dg.controlMu.Unlock()
	return dg.signalPropagationExponent
}

// SetSignalPropagationExponent sets the environment factor used in distance
// estimation. Typical values range from 2.0 (outdoors) to 4.0 (indoors).
func (dg *DeviceGovernor) SetSignalPropagationExponent(exponent float64) {
	dg.controlMu.Lock()
	dg.signalPropagationExponent = exponent
	dg.controlMu.Unlock()
}

// EstimatedDistance returns the estimated distance to the adapter in meters,
// 0 when no TX power is available.
func (dg *DeviceGovernor) EstimatedDistance() float64 {
	dg.controlMu.Lock()
	txPower := dg.measuredTxPower
	exponent := dg.signalPropagationExponent
	dg.controlMu.Unlock()
	if txPower == 0 {
		txPower = dg.advertisedTxPower()
	}
	return rssi.EstimateDistance(txPower, dg.CurrentRSSI(), exponent)
}

func (dg *DeviceGovernor) advertisedTxPower() int16 {
	if !dg.IsReady() {
		return 0
	}
	return dg.TxPower()
}

// Location returns the URL of the closest adapter that sees this device.
// When the device is visible through several adapters, the one with the
// smallest estimated distance wins; ties break towards the smallest adapter
// address.
func (dg *DeviceGovernor) Location() bturl.URL {
	return dg.manager.nearestAdapter(dg)
}

// RssiFilter returns the current filter instance.
func (dg *DeviceGovernor) RssiFilter() rssi.Filter {
	dg.rssiMu.Lock()
	defer dg.rssiMu.Unlock()
	return dg.rssiFilter
}

// SetRssiFilter replaces the filter with a fresh instance of the given kind,
// discarding prior filter state.
func (dg *DeviceGovernor) SetRssiFilter(kind rssi.Kind) {
	dg.SetRssiFilterFactory(func() rssi.Filter { return rssi.NewFilter(kind) })
}

// SetRssiFilterFactory installs a custom filter constructor and replaces the
// current filter with a fresh instance.
func (dg *DeviceGovernor) SetRssiFilterFactory(factory rssi.Factory) {
	dg.rssiMu.Lock()
	defer dg.rssiMu.Unlock()
	dg.rssiFilterFactory = factory
	dg.rssiFilter = factory()
}

// IsRssiFilteringEnabled reports whether RSSI smoothing is enabled.
func (dg *DeviceGovernor) IsRssiFilteringEnabled() bool {
	dg.rssiMu.Lock()
	defer dg.rssiMu.Unlock()
	return dg.rssiFilteringEnabled
}

// SetRssiFilteringEnabled enables or disables RSSI smoothing.
func (dg *DeviceGovernor) SetRssiFilteringEnabled(enabled bool) {
	dg.rssiMu.Lock()
	defer dg.rssiMu.Unlock()
	dg.rssiFilteringEnabled = enabled
}

// RssiReportingRate returns the minimum interval between reported RSSI
// events. 0 means unconditional reporting.
func (dg *DeviceGovernor) RssiReportingRate() time.Duration {
	dg.rssiMu.Lock()
	defer dg.rssiMu.Unlock()
	return dg.rssiReportingRate
}

// SetRssiReportingRate sets the minimum interval between reported RSSI
// events. 0 makes every sample reportable.
func (dg *DeviceGovernor) SetRssiReportingRate(rate time.Duration) {
	dg.rssiMu.Lock()
	defer dg.rssiMu.Unlock()
	dg.rssiReportingRate = rate
}

// ManufacturerData returns the cached advertised manufacturer data keyed by
// manufacturer ID.
func (dg *DeviceGovernor) ManufacturerData() map[uint16][]byte {
	out := make(map[uint16][]byte, dg.manufacturerData.Len())
	dg.manufacturerData.Range(func(id uint16, data []byte) bool {
		out[id] = data
		return true
	})
	return out
}

// ServiceData returns the cached advertised service data keyed by service
// URL.
func (dg *DeviceGovernor) ServiceData() map[bturl.URL][]byte {
	out := make(map[bturl.URL][]byte, dg.serviceData.Len())
	dg.serviceData.Range(func(uuid string, data []byte) bool {
		out[dg.serviceURL(uuid)] = data
		return true
	})
	return out
}

func (dg *DeviceGovernor) serviceURL(uuid string) bturl.URL {
	u := dg.url
	u.CharacteristicUUID = uuid
	return u
}

// AddBluetoothSmartDeviceListener registers a BLE device listener.
func (dg *DeviceGovernor) AddBluetoothSmartDeviceListener(listener BluetoothSmartDeviceListener) {
	dg.smartListenersMu.Lock()
	defer dg.smartListenersMu.Unlock()
	dg.smartListeners = append(dg.smartListeners, listener)
}

// RemoveBluetoothSmartDeviceListener unregisters a BLE device listener.
func (dg *DeviceGovernor) RemoveBluetoothSmartDeviceListener(listener BluetoothSmartDeviceListener) {
	dg.smartListenersMu.Lock()
	defer dg.smartListenersMu.Unlock()
	dg.smartListeners = removeListener(dg.smartListeners, listener)
}

// AddGenericBluetoothDeviceListener registers a generic device listener.
func (dg *DeviceGovernor) AddGenericBluetoothDeviceListener(listener GenericBluetoothDeviceListener) {
	dg.genericListenersMu.Lock()
	defer dg.genericListenersMu.Unlock()
	dg.genericListeners = append(dg.genericListeners, listener)
}

// RemoveGenericBluetoothDeviceListener unregisters a generic device
// listener.
func (dg *DeviceGovernor) RemoveGenericBluetoothDeviceListener(listener GenericBluetoothDeviceListener) {
	dg.genericListenersMu.Lock()
	defer dg.genericListenersMu.Unlock()
	dg.genericListeners = removeListener(dg.genericListeners, listener)
}

// Dispose retires the governor and drops all listeners.
func (dg *DeviceGovernor) Dispose() {
	dg.governor.Dispose()
	dg.smartListenersMu.Lock()
	dg.smartListeners = nil
	dg.smartListenersMu.Unlock()
	dg.genericListenersMu.Lock()
	dg.genericListeners = nil
	dg.genericListenersMu.Unlock()
}

func (dg *DeviceGovernor) initHandle(h transport.Device) error {
	if err := h.EnableRSSINotifications(dg.handleRSSI); err != nil {
		return err
	}
	if err := h.EnableConnectedNotifications(dg.handleConnected); err != nil {
		return err
	}
	if err := h.EnableServicesResolvedNotifications(func(resolved bool) {
		dg.handleServicesResolved(h, resolved)
	}); err != nil {
		return err
	}
	if err := h.EnableBlockedNotifications(dg.handleBlocked); err != nil {
		return err
	}
	if err := h.EnableManufacturerDataNotifications(dg.handleManufacturerData); err != nil {
		return err
	}
	return h.EnableServiceDataNotifications(dg.handleServiceData)
}

func (dg *DeviceGovernor) updateHandle(h transport.Device) error {
	dg.controlMu.Lock()
	blockedControl := dg.blockedControl
	dg.controlMu.Unlock()

	blocked, err := h.IsBlocked()
	if err != nil {
		return err
	}
	if blocked != blockedControl {
		if err := h.SetBlocked(blockedControl); err != nil {
			return err
		}
		blocked = blockedControl
	}
	if blocked {
		return nil
	}

	connected, err := h.IsConnected()
	if err != nil {
		return err
	}
	demand := dg.connectionControl.Get()
	if demand && !connected {
		if err := h.Connect(); err != nil {
			return err
		}
	} else if !demand && connected {
		if err := h.Disconnect(); err != nil {
			return err
		}
	}

	dg.updateOnline()
	return nil
}

func (dg *DeviceGovernor) resetHandle(h transport.Device) error {
	if err := h.DisableRSSINotifications(); err != nil {
		dg.log.WithError(err).Debug("Could not disable RSSI notifications")
	}
	if err := h.DisableConnectedNotifications(); err != nil {
		dg.log.WithError(err).Debug("Could not disable connected notifications")
	}
	if err := h.DisableServicesResolvedNotifications(); err != nil {
		dg.log.WithError(err).Debug("Could not disable services resolved notifications")
	}
	if err := h.DisableBlockedNotifications(); err != nil {
		dg.log.WithError(err).Debug("Could not disable blocked notifications")
	}
	if err := h.DisableManufacturerDataNotifications(); err != nil {
		dg.log.WithError(err).Debug("Could not disable manufacturer data notifications")
	}
	return h.DisableServiceDataNotifications()
}

// updateOnline recomputes the online flag and notifies listeners on a
// transition.
func (dg *DeviceGovernor) updateOnline() {
	online := dg.IsOnline()
	dg.controlMu.Lock()
	changed := online != dg.online
	dg.online = online
	dg.controlMu.Unlock()
	if !changed {
		return
	}
	safeForEach(dg.snapshotGenericListeners(), func(l GenericBluetoothDeviceListener) {
		if online {
			l.Online()
		} else {
			l.Offline()
		}
	}, dg.log, "Execution error of a generic device listener: online")
}

// handleRSSI implements the RSSI pipeline: timestamp the sample, smooth it
// when filtering is enabled, throttle notifications to the reporting rate.
// The filter consumes every sample regardless of throttling.
func (dg *DeviceGovernor) handleRSSI(raw int16) {
	now := time.Now()

	dg.rssiMu.Lock()
	dg.lastAdvertised = now
	reported := raw
	if dg.rssiFilteringEnabled && dg.rssiFilter != nil {
		reported = dg.rssiFilter.Next(raw)
	}
	dg.currentRSSI = reported
	notify := dg.rssiReportingRate == 0 || now.Sub(dg.lastRssiNotified) >= dg.rssiReportingRate
	if notify {
		dg.lastRssiNotified = now
	}
	dg.rssiMu.Unlock()

	dg.updateLastActivity()
	if !notify {
		return
	}
	safeForEach(dg.snapshotGenericListeners(), func(l GenericBluetoothDeviceListener) {
		l.RSSIChanged(reported)
	}, dg.log, "Execution error of a generic device listener: rssi")
}

func (dg *DeviceGovernor) handleConnected(connected bool) {
	dg.updateLastActivity()
	safeForEach(dg.snapshotSmartListeners(), func(l BluetoothSmartDeviceListener) {
		if connected {
			l.Connected()
		} else {
			l.Disconnected()
		}
	}, dg.log, "Execution error of a smart device listener: connected")
}

func (dg *DeviceGovernor) handleServicesResolved(h transport.Device, resolved bool) {
	dg.updateLastActivity()
	if !resolved {
		safeForEach(dg.snapshotSmartListeners(), func(l BluetoothSmartDeviceListener) {
			l.ServicesUnresolved()
		}, dg.log, "Execution error of a smart device listener: services unresolved")
		return
	}
	services, err := h.Services()
	if err != nil {
		dg.log.WithError(err).Warn("Could not fetch resolved services")
		return
	}
	safeForEach(dg.snapshotSmartListeners(), func(l BluetoothSmartDeviceListener) {
		l.ServicesResolved(services)
	}, dg.log, "Execution error of a smart device listener: services resolved")
}

func (dg *DeviceGovernor) handleBlocked(blocked bool) {
	dg.updateLastActivity()
	safeForEach(dg.snapshotGenericListeners(), func(l GenericBluetoothDeviceListener) {
		l.Blocked(blocked)
	}, dg.log, "Execution error of a generic device listener: blocked")
}

func (dg *DeviceGovernor) handleManufacturerData(data map[uint16][]byte) {
	dg.updateLastActivity()
	for id, payload := range data {
		dg.manufacturerData.Set(id, payload)
	}
	safeForEach(dg.snapshotGenericListeners(), func(l GenericBluetoothDeviceListener) {
		l.ManufacturerDataChanged(data)
	}, dg.log, "Execution error of a generic device listener: manufacturer data")
}

func (dg *DeviceGovernor) handleServiceData(data map[string][]byte) {
	dg.updateLastActivity()
	byURL := make(map[bturl.URL][]byte, len(data))
	for uuid, payload := range data {
		dg.serviceData.Set(uuid, payload)
		byURL[dg.serviceURL(uuid)] = payload
	}
	safeForEach(dg.snapshotGenericListeners(), func(l GenericBluetoothDeviceListener) {
		l.ServiceDataChanged(byURL)
	}, dg.log, "Execution error of a generic device listener: service data")
}

// notifyCharacteristicChanged relays a characteristic value change to the
// device-level smart listeners. Called by characteristic governors.
func (dg *DeviceGovernor) notifyCharacteristicChanged(url bturl.URL, value []byte) {
	safeForEach(dg.snapshotSmartListeners(), func(l BluetoothSmartDeviceListener) {
		l.CharacteristicChanged(url, value)
	}, dg.log, "Execution error of a smart device listener: characteristic changed")
}

func (dg *DeviceGovernor) snapshotSmartListeners() []BluetoothSmartDeviceListener {
	dg.smartListenersMu.Lock()
	defer dg.smartListenersMu.Unlock()
	return snapshot(dg.smartListeners)
}

func (dg *DeviceGovernor) snapshotGenericListeners() []GenericBluetoothDeviceListener {
	dg.genericListenersMu.Lock()
	defer dg.genericListenersMu.Unlock()
	return snapshot(dg.genericListeners)
}
