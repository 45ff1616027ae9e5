package manager

import (
	"slices"
	"sync"

	"github.com/srg/btmanager/pkg/bturl"
	"github.com/srg/btmanager/pkg/transport"
)

// CharacteristicGovernor supervises one GATT characteristic. It keeps the
// notification subscription reconciled with the registered value listeners
// and exposes read and write through the interaction conduit.
type CharacteristicGovernor struct {
	*governor[transport.Characteristic]

	valueListenersMu sync.Mutex
	valueListeners   []ValueListener

	subscriptionMu sync.Mutex
	subscribed     bool
}

func newCharacteristicGovernor(m *Manager, url bturl.URL) *CharacteristicGovernor {
	cg := &CharacteristicGovernor{}
	cg.governor = newGovernor[transport.Characteristic](m, url, cg)
	return cg
}

// Read reads the characteristic value.
func (cg *CharacteristicGovernor) Read() ([]byte, error) {
	return interact(cg.governor, "read", transport.Characteristic.Read)
}

// Write writes the characteristic value.
func (cg *CharacteristicGovernor) Write(data []byte) error {
	return interactVoid(cg.governor, "write", func(h transport.Characteristic) error {
		return h.Write(data)
	})
}

// Flags returns the characteristic access flags.
func (cg *CharacteristicGovernor) Flags() ([]string, error) {
	return interact(cg.governor, "getFlags", transport.Characteristic.Flags)
}

// IsNotifiable reports whether the characteristic supports notifications or
// indications.
func (cg *CharacteristicGovernor) IsNotifiable() (bool, error) {
	flags, err := cg.Flags()
	if err != nil {
		return false, err
	}
	return slices.Contains(flags, transport.FlagNotify) ||
		slices.Contains(flags, transport.FlagIndicate), nil
}

// IsNotifying reports whether value notifications are currently active.
func (cg *CharacteristicGovernor) IsNotifying() (bool, error) {
	return interact(cg.governor, "isNotifying", transport.Characteristic.IsNotifying)
}

// IsWritable reports whether the characteristic accepts writes.
func (cg *CharacteristicGovernor) IsWritable() (bool, error) {
	flags, err := cg.Flags()
	if err != nil {
		return false, err
	}
	return slices.Contains(flags, transport.FlagWrite) ||
		slices.Contains(flags, transport.FlagWriteWithoutResponse), nil
}

// AddValueListener registers a value listener. The governor subscribes for
// notifications on the next update pass while at least one listener is
// registered.
func (cg *CharacteristicGovernor) AddValueListener(listener ValueListener) {
	cg.valueListenersMu.Lock()
	cg.valueListeners = append(cg.valueListeners, listener)
	cg.valueListenersMu.Unlock()
	cg.manager.ScheduleUpdate(cg)
}

// RemoveValueListener unregisters a value listener. The subscription is
// dropped on the next update pass once no listeners remain.
func (cg *CharacteristicGovernor) RemoveValueListener(listener ValueListener) {
	cg.valueListenersMu.Lock()
	cg.valueListeners = removeListener(cg.valueListeners, listener)
	cg.valueListenersMu.Unlock()
	cg.manager.ScheduleUpdate(cg)
}

// Dispose retires the governor and drops all listeners.
func (cg *CharacteristicGovernor) Dispose() {
	cg.governor.Dispose()
	cg.valueListenersMu.Lock()
	cg.valueListeners = nil
	cg.valueListenersMu.Unlock()
}

func (cg *CharacteristicGovernor) initHandle(transport.Characteristic) error {
	// Subscription is reconciled by updateHandle; nothing to do up front.
	return nil
}

func (cg *CharacteristicGovernor) updateHandle(h transport.Characteristic) error {
	cg.valueListenersMu.Lock()
	wantNotifications := len(cg.valueListeners) > 0
	cg.valueListenersMu.Unlock()

	cg.subscriptionMu.Lock()
	defer cg.subscriptionMu.Unlock()

	if wantNotifications && !cg.subscribed {
		notifiable, err := characteristicNotifiable(h)
		if err != nil {
			return err
		}
		if !notifiable {
			return nil
		}
		if err := h.EnableValueNotifications(cg.handleValue); err != nil {
			return err
		}
		cg.subscribed = true
	} else if !wantNotifications && cg.subscribed {
		if err := h.DisableValueNotifications(); err != nil {
			return err
		}
		cg.subscribed = false
	}
	return nil
}

func (cg *CharacteristicGovernor) resetHandle(h transport.Characteristic) error {
	cg.subscriptionMu.Lock()
	subscribed := cg.subscribed
	cg.subscribed = false
	cg.subscriptionMu.Unlock()
	if !subscribed {
		return nil
	}
	return h.DisableValueNotifications()
}

func (cg *CharacteristicGovernor) handleValue(value []byte) {
	cg.updateLastActivity()
	safeForEach(cg.snapshotValueListeners(), func(l ValueListener) {
		l.Changed(value)
	}, cg.log, "Execution error of a value listener")

	// Relay to the parent device governor's smart listeners when one exists.
	if dg, err := cg.manager.existingDeviceGovernor(cg.url.DeviceURL()); err == nil && dg != nil {
		dg.notifyCharacteristicChanged(cg.url, value)
	}
}

func (cg *CharacteristicGovernor) snapshotValueListeners() []ValueListener {
	cg.valueListenersMu.Lock()
	defer cg.valueListenersMu.Unlock()
	return snapshot(cg.valueListeners)
}

func characteristicNotifiable(h transport.Characteristic) (bool, error) {
	flags, err := h.Flags()
	if err != nil {
		return false, err
	}
	return slices.Contains(flags, transport.FlagNotify) ||
		slices.Contains(flags, transport.FlagIndicate), nil
}
