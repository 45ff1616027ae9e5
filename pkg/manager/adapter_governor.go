package manager

import (
	"sync"

	"github.com/srg/btmanager/pkg/bturl"
	"github.com/srg/btmanager/pkg/transport"
)

// AdapterGovernor supervises one bluetooth adapter. It keeps the adapter's
// powered and discovering state reconciled with the requested control flags
// and converts the adapter's native signals into listener notifications.
type AdapterGovernor struct {
	*governor[transport.Adapter]

	controlMu          sync.Mutex
	poweredControl     bool
	discoveringControl bool
	aliasControl       string

	adapterListenersMu sync.Mutex
	adapterListeners   []AdapterListener
}

func newAdapterGovernor(m *Manager, url bturl.URL) *AdapterGovernor {
	ag := &AdapterGovernor{
		// A fresh adapter governor wants its adapter powered and
		// discovering; the first update pass enforces both.
		poweredControl:     true,
		discoveringControl: true,
	}
	ag.governor = newGovernor[transport.Adapter](m, url, ag)
	return ag
}

// PoweredControl reports whether the governor keeps the adapter powered.
func (ag *AdapterGovernor) PoweredControl() bool {
	ag.controlMu.Lock()
	defer ag.controlMu.Unlock()
	return ag.poweredControl
}

// SetPoweredControl requests the adapter to be powered on or off. The state
// is applied on the next update pass.
func (ag *AdapterGovernor) SetPoweredControl(powered bool) {
	ag.controlMu.Lock()
	ag.poweredControl = powered
	ag.controlMu.Unlock()
	ag.manager.ScheduleUpdate(ag)
}

// DiscoveringControl reports whether the governor keeps discovery running.
func (ag *AdapterGovernor) DiscoveringControl() bool {
	ag.controlMu.Lock()
	defer ag.controlMu.Unlock()
	return ag.discoveringControl
}

// SetDiscoveringControl requests device discovery to be started or stopped.
func (ag *AdapterGovernor) SetDiscoveringControl(discovering bool) {
	ag.controlMu.Lock()
	ag.discoveringControl = discovering
	ag.controlMu.Unlock()
	ag.manager.ScheduleUpdate(ag)
}

// Name returns the adapter's name.
func (ag *AdapterGovernor) Name() (string, error) {
	return interact(ag.governor, "getName", transport.Adapter.Name)
}

// Alias returns the adapter's alias.
func (ag *AdapterGovernor) Alias() (string, error) {
	return interact(ag.governor, "getAlias", transport.Adapter.Alias)
}

// SetAlias requests a new alias for the adapter. It is applied immediately
// and re-enforced on subsequent update passes.
func (ag *AdapterGovernor) SetAlias(alias string) error {
	ag.controlMu.Lock()
	ag.aliasControl = alias
	ag.controlMu.Unlock()
	return interactVoid(ag.governor, "setAlias", func(h transport.Adapter) error {
		return h.SetAlias(alias)
	})
}

// DisplayName returns the alias when present, falling back to the name.
func (ag *AdapterGovernor) DisplayName() (string, error) {
	if alias, err := ag.Alias(); err == nil && alias != "" {
		return alias, nil
	}
	return ag.Name()
}

// IsPowered reports whether the adapter is powered.
func (ag *AdapterGovernor) IsPowered() (bool, error) {
	return interact(ag.governor, "isPowered", transport.Adapter.IsPowered)
}

// IsDiscovering reports whether the adapter is discovering devices.
func (ag *AdapterGovernor) IsDiscovering() (bool, error) {
	return interact(ag.governor, "isDiscovering", transport.Adapter.IsDiscovering)
}

// DeviceURLs returns URLs of devices currently known to the adapter.
func (ag *AdapterGovernor) DeviceURLs() ([]bturl.URL, error) {
	return interact(ag.governor, "getDevices", transport.Adapter.Devices)
}

// AddAdapterListener registers an adapter state listener.
func (ag *AdapterGovernor) AddAdapterListener(listener AdapterListener) {
	ag.adapterListenersMu.Lock()
	defer ag.adapterListenersMu.Unlock()
	ag.adapterListeners = append(ag.adapterListeners, listener)
}

// RemoveAdapterListener unregisters a previously registered listener.
func (ag *AdapterGovernor) RemoveAdapterListener(listener AdapterListener) {
	ag.adapterListenersMu.Lock()
	defer ag.adapterListenersMu.Unlock()
	ag.adapterListeners = removeListener(ag.adapterListeners, listener)
}

// Dispose retires the governor and drops all listeners.
func (ag *AdapterGovernor) Dispose() {
	ag.governor.Dispose()
	ag.adapterListenersMu.Lock()
	ag.adapterListeners = nil
	ag.adapterListenersMu.Unlock()
}

func (ag *AdapterGovernor) initHandle(h transport.Adapter) error {
	if err := h.EnablePoweredNotifications(ag.handlePowered); err != nil {
		return err
	}
	return h.EnableDiscoveringNotifications(ag.handleDiscovering)
}

func (ag *AdapterGovernor) updateHandle(h transport.Adapter) error {
	ag.controlMu.Lock()
	poweredControl := ag.poweredControl
	discoveringControl := ag.discoveringControl
	aliasControl := ag.aliasControl
	ag.controlMu.Unlock()

	powered, err := h.IsPowered()
	if err != nil {
		return err
	}
	if powered != poweredControl {
		if err := h.SetPowered(poweredControl); err != nil {
			return err
		}
		powered = poweredControl
	}
	if !powered {
		// Discovery and alias manipulation require a powered adapter.
		return nil
	}

	if aliasControl != "" {
		alias, err := h.Alias()
		if err != nil {
			return err
		}
		if alias != aliasControl {
			if err := h.SetAlias(aliasControl); err != nil {
				return err
			}
		}
	}

	discovering, err := h.IsDiscovering()
	if err != nil {
		return err
	}
	if discoveringControl && !discovering {
		return h.StartDiscovery()
	}
	if !discoveringControl && discovering {
		return h.StopDiscovery()
	}
	return nil
}

func (ag *AdapterGovernor) resetHandle(h transport.Adapter) error {
	if discovering, err := h.IsDiscovering(); err == nil && discovering {
		if err := h.StopDiscovery(); err != nil {
			ag.log.WithError(err).Debug("Could not stop discovery")
		}
	}
	if err := h.DisablePoweredNotifications(); err != nil {
		ag.log.WithError(err).Debug("Could not disable powered notifications")
	}
	return h.DisableDiscoveringNotifications()
}

func (ag *AdapterGovernor) handlePowered(powered bool) {
	ag.updateLastActivity()
	safeForEach(ag.snapshotAdapterListeners(), func(l AdapterListener) {
		l.Powered(powered)
	}, ag.log, "Execution error of an adapter listener: powered")
}

func (ag *AdapterGovernor) handleDiscovering(discovering bool) {
	ag.updateLastActivity()
	safeForEach(ag.snapshotAdapterListeners(), func(l AdapterListener) {
		l.Discovering(discovering)
	}, ag.log, "Execution error of an adapter listener: discovering")
}

func (ag *AdapterGovernor) snapshotAdapterListeners() []AdapterListener {
	ag.adapterListenersMu.Lock()
	defer ag.adapterListenersMu.Unlock()
	return snapshot(ag.adapterListeners)
}
