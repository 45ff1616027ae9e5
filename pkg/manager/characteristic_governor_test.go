package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/btmanager/pkg/bturl"
	"github.com/srg/btmanager/pkg/transport"
)

func characteristicURL() bturl.URL {
	return bturl.NewCharacteristic("11:22:33:44:55:66", "AA:BB:CC:DD:EE:FF", "2a19")
}

func readyCharacteristicGovernor(t *testing.T) (*CharacteristicGovernor, *fakeCharacteristic, *Manager, *eventLog) {
	t.Helper()
	log := &eventLog{}
	factory := newFakeFactory()
	ch := newFakeCharacteristic("11:22:33:44:55:66", "AA:BB:CC:DD:EE:FF", "2a19", log)
	factory.put(ch)
	m := newTestManager(t, factory)

	cg, err := m.CharacteristicGovernor(characteristicURL())
	require.NoError(t, err)
	require.True(t, cg.IsReady())
	return cg, ch, m, log
}

func TestCharacteristicGovernor_ReadWrite(t *testing.T) {
	cg, _, _, _ := readyCharacteristicGovernor(t)

	require.NoError(t, cg.Write([]byte{0x64}))
	value, err := cg.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x64}, value)
}

func TestCharacteristicGovernor_Flags(t *testing.T) {
	cg, ch, _, _ := readyCharacteristicGovernor(t)

	notifiable, err := cg.IsNotifiable()
	require.NoError(t, err)
	assert.True(t, notifiable)

	writable, err := cg.IsWritable()
	require.NoError(t, err)
	assert.True(t, writable)

	ch.mu.Lock()
	ch.flags = []string{transport.FlagRead}
	ch.mu.Unlock()

	notifiable, err = cg.IsNotifiable()
	require.NoError(t, err)
	assert.False(t, notifiable)
}

func TestCharacteristicGovernor_NotificationSubscription(t *testing.T) {
	cg, ch, _, log := readyCharacteristicGovernor(t)

	listener := &recordingValueListener{log: log}
	cg.AddValueListener(listener)
	cg.Update()

	ch.mu.Lock()
	notifying := ch.notifying
	ch.mu.Unlock()
	require.True(t, notifying, "a registered value listener triggers a subscription")

	ch.pushValue([]byte{0x42})
	assert.Equal(t, 1, log.count("value:42"))

	cg.RemoveValueListener(listener)
	cg.Update()
	ch.mu.Lock()
	notifying = ch.notifying
	ch.mu.Unlock()
	assert.False(t, notifying, "the last removed listener drops the subscription")
}

func TestCharacteristicGovernor_NotNotifiable(t *testing.T) {
	cg, ch, _, log := readyCharacteristicGovernor(t)

	ch.mu.Lock()
	ch.flags = []string{transport.FlagRead}
	ch.mu.Unlock()

	cg.AddValueListener(&recordingValueListener{log: log})
	cg.Update()

	ch.mu.Lock()
	notifying := ch.notifying
	ch.mu.Unlock()
	assert.False(t, notifying, "non-notifiable characteristics are never subscribed")
}

func TestCharacteristicGovernor_RelaysToDeviceGovernor(t *testing.T) {
	cg, ch, m, log := readyCharacteristicGovernor(t)

	dg, err := m.DeviceGovernor(characteristicURL())
	require.NoError(t, err)
	dg.AddBluetoothSmartDeviceListener(&recordingSmartListener{log: log})

	cg.AddValueListener(&recordingValueListener{log: log})
	cg.Update()
	ch.pushValue([]byte{0x01})

	assert.Equal(t, 1, log.count("characteristicChanged:2a19"),
		"value changes are relayed to the parent device governor")
}

func TestCharacteristicGovernor_ResetDropsSubscription(t *testing.T) {
	cg, ch, _, _ := readyCharacteristicGovernor(t)

	cg.AddValueListener(&recordingValueListener{log: &eventLog{}})
	cg.Update()
	ch.mu.Lock()
	require.True(t, ch.notifying)
	ch.mu.Unlock()

	cg.Reset()

	ch.mu.Lock()
	notifying := ch.notifying
	ch.mu.Unlock()
	assert.False(t, notifying)

	cg.subscriptionMu.Lock()
	subscribed := cg.subscribed
	cg.subscriptionMu.Unlock()
	assert.False(t, subscribed, "the subscription flag is cleared for the next handle")
}
