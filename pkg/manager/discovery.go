package manager

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/btmanager/pkg/bturl"
)

// runDiscovery performs one discovery pass: adapters first, then devices.
// The pass never propagates failures; each phase is guarded independently.
func (m *Manager) runDiscovery() {
	m.discoverAdapters()
	m.discoverDevices()
}

func (m *Manager) discoverAdapters() {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("panic", r).Error("Adapter discovery job error")
		}
	}()

	m.discoveredAdaptersMu.Lock()
	defer m.discoveredAdaptersMu.Unlock()

	handles, err := m.factory.DiscoveredAdapters()
	if err != nil {
		m.log.WithError(err).Error("Adapter discovery job error")
		return
	}

	m.startMu.Lock()
	startDiscovering := m.startDiscovering
	m.startMu.Unlock()

	current := make(map[bturl.URL]DiscoveredAdapter, len(handles))
	for _, handle := range handles {
		discovered := DiscoveredAdapter{
			URL: bturl.NewAdapter(handle.URL().AdapterAddress),
		}
		discovered.Name, _ = handle.Name()
		discovered.Alias, _ = handle.Alias()

		m.notifyAdapterDiscovered(discovered)
		current[discovered.URL] = discovered

		if startDiscovering {
			// Ensure a governor exists; a fresh adapter governor defaults to
			// discovering, so its first update pass starts device discovery.
			if _, err := m.Governor(discovered.URL); err != nil {
				m.log.WithError(err).WithField("url", discovered.URL.String()).
					Warn("Could not create adapter governor")
			}
		}
	}

	for url := range m.discoveredAdapters {
		if _, still := current[url]; !still {
			m.handleAdapterLost(url)
		}
	}
	m.discoveredAdapters = current
}

func (m *Manager) discoverDevices() {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("panic", r).Error("Device discovery job error")
		}
	}()

	m.discoveredDevicesMu.Lock()
	defer m.discoveredDevicesMu.Unlock()

	handles, err := m.factory.DiscoveredDevices()
	if err != nil {
		m.log.WithError(err).Error("Device discovery job error")
		return
	}
	if handles == nil {
		return
	}

	current := make(map[bturl.URL]DiscoveredDevice, len(handles))
	for _, handle := range handles {
		rssi, err := handle.RSSI()
		if err != nil || rssi == 0 {
			// A zero RSSI marks a transient entry the backend has not fully
			// observed yet.
			continue
		}
		url := handle.URL()
		discovered := DiscoveredDevice{
			URL:  bturl.NewDevice(url.AdapterAddress, url.DeviceAddress),
			RSSI: rssi,
		}
		discovered.Name, _ = handle.Name()
		discovered.Alias, _ = handle.Alias()
		discovered.BluetoothClass, _ = handle.BluetoothClass()

		m.notifyDeviceDiscovered(discovered)
		current[discovered.URL] = discovered
	}

	for url := range m.discoveredDevices {
		if _, still := current[url]; !still {
			m.handleDeviceLost(url)
		}
	}
	m.discoveredDevices = current
}

func (m *Manager) notifyAdapterDiscovered(adapter DiscoveredAdapter) {
	if _, known := m.discoveredAdapters[adapter.URL]; known && !m.rediscover {
		return
	}
	safeForEach(m.snapshotAdapterDiscoveryListeners(), func(l AdapterDiscoveryListener) {
		l.Discovered(adapter)
	}, m.log, "Discovery listener error (adapter)")
}

func (m *Manager) notifyDeviceDiscovered(device DiscoveredDevice) {
	if _, known := m.discoveredDevices[device.URL]; known && !m.rediscover {
		return
	}
	safeForEach(m.snapshotDeviceDiscoveryListeners(), func(l DeviceDiscoveryListener) {
		l.Discovered(device)
	}, m.log, "Discovery listener error (device)")
}

func (m *Manager) handleAdapterLost(url bturl.URL) {
	m.log.WithField("url", url.String()).Info("Adapter has been lost")
	safeForEach(m.snapshotAdapterDiscoveryListeners(), func(l AdapterDiscoveryListener) {
		l.Lost(url)
	}, m.log, "Discovery listener error (adapter lost)")
	m.resetLost(url)
}

func (m *Manager) handleDeviceLost(url bturl.URL) {
	m.log.WithField("url", url.String()).Info("Device has been lost")
	safeForEach(m.snapshotDeviceDiscoveryListeners(), func(l DeviceDiscoveryListener) {
		l.Lost(url)
	}, m.log, "Discovery listener error (device lost)")
	m.resetLost(url)
}

// resetLost resets the governor of a lost entity when one exists. Lost
// entities never cause governor creation; re-acquisition is driven by the
// refresh task of governors somebody actually holds.
func (m *Manager) resetLost(url bturl.URL) {
	g := m.existingGovernor(url)
	if g == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.WithFields(logrus.Fields{
				"url":   url.String(),
				"panic": r,
			}).Warn("Could not reset governor of a lost entity")
		}
	}()
	g.Reset()
}

func (m *Manager) snapshotAdapterDiscoveryListeners() []AdapterDiscoveryListener {
	m.adapterListenersMu.Lock()
	defer m.adapterListenersMu.Unlock()
	return snapshot(m.adapterDiscoveryListeners)
}

func (m *Manager) snapshotDeviceDiscoveryListeners() []DeviceDiscoveryListener {
	m.deviceListenersMu.Lock()
	defer m.deviceListenersMu.Unlock()
	return snapshot(m.deviceDiscoveryListeners)
}
