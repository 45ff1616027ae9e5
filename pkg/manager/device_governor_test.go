package manager

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/btmanager/pkg/bturl"
	"github.com/srg/btmanager/pkg/rssi"
	"github.com/srg/btmanager/pkg/transport"
)

func readyDeviceGovernor(t *testing.T) (*DeviceGovernor, *fakeDevice, *eventLog) {
	t.Helper()
	log := &eventLog{}
	factory := newFakeFactory()
	dev := newFakeDevice("11:22:33:44:55:66", "AA:BB:CC:DD:EE:FF", log)
	factory.put(dev)
	m := newTestManager(t, factory)

	dg, err := m.DeviceGovernor(deviceURL())
	require.NoError(t, err)
	require.True(t, dg.IsReady())
	return dg, dev, log
}

func TestDeviceGovernor_ConnectionControl(t *testing.T) {
	dg, dev, log := readyDeviceGovernor(t)

	require.NoError(t, dg.SetConnectionControl(1, true))
	assert.True(t, dg.ConnectionControl())
	dg.Update()
	assert.Equal(t, 1, log.count("connect:AA:BB:CC:DD:EE:FF"))

	dev.mu.Lock()
	connected := dev.connected
	dev.mu.Unlock()
	assert.True(t, connected)

	// Another controller also demands the connection; dropping only one
	// demand keeps the device connected.
	require.NoError(t, dg.SetConnectionControl(2, true))
	require.NoError(t, dg.SetConnectionControl(1, false))
	assert.True(t, dg.ConnectionControl())
	dg.Update()
	assert.Equal(t, 0, log.count("disconnect:AA:BB:CC:DD:EE:FF"))

	// The last demand is withdrawn; the device is disconnected.
	require.NoError(t, dg.SetConnectionControl(2, false))
	assert.False(t, dg.ConnectionControl())
	dg.Update()
	assert.Equal(t, 1, log.count("disconnect:AA:BB:CC:DD:EE:FF"))
}

func TestDeviceGovernor_ConnectionControlRoundTrip(t *testing.T) {
	dg, _, _ := readyDeviceGovernor(t)

	require.NoError(t, dg.SetConnectionControl(5, true))
	require.NoError(t, dg.SetConnectionControl(5, false))
	assert.False(t, dg.ConnectionControl(), "same caller toggling leaves the bitmap all-zero")

	idx, err := dg.connectionControl.UniqueIndex()
	require.NoError(t, err)
	assert.Equal(t, -1, idx)
}

func TestDeviceGovernor_ConnectFailureResets(t *testing.T) {
	dg, dev, _ := readyDeviceGovernor(t)
	readyLog := &eventLog{}
	dg.AddGovernorListener(&recordingGovernorListener{log: readyLog})

	dev.mu.Lock()
	dev.failConnect = errors.New("page timeout")
	dev.mu.Unlock()

	require.NoError(t, dg.SetConnectionControl(0, true))
	dg.Update()

	// The refresh loop swallows the failure; the governor resets and keeps
	// retrying on later passes.
	assert.False(t, dg.IsReady())
	assert.Equal(t, 1, readyLog.count("ready:false"))

	dev.mu.Lock()
	dev.failConnect = nil
	dev.mu.Unlock()
	dg.Update()

	assert.True(t, dg.IsReady())
	connected, err := dg.IsConnected()
	require.NoError(t, err)
	assert.True(t, connected, "the standing connection demand is honored after recovery")
}

func TestDeviceGovernor_BlockedControl(t *testing.T) {
	dg, dev, _ := readyDeviceGovernor(t)

	dg.SetBlockedControl(true)
	dg.Update()
	dev.mu.Lock()
	blocked := dev.blocked
	dev.mu.Unlock()
	assert.True(t, blocked)

	dg.SetBlockedControl(false)
	dg.Update()
	dev.mu.Lock()
	blocked = dev.blocked
	dev.mu.Unlock()
	assert.False(t, blocked)
}

func TestDeviceGovernor_RssiThrottle(t *testing.T) {
	dg, dev, _ := readyDeviceGovernor(t)
	listener := &recordingGenericListener{log: &eventLog{}}
	dg.AddGenericBluetoothDeviceListener(listener)
	dg.SetRssiFilteringEnabled(false)
	dg.SetRssiReportingRate(time.Hour)

	dev.pushRSSI(-60)
	dev.pushRSSI(-62)
	dev.pushRSSI(-64)

	assert.Equal(t, []int16{-60}, listener.rssiEvents(),
		"samples within the reporting window are suppressed")
	assert.Equal(t, int16(-64), dg.CurrentRSSI(),
		"the pipeline consumes every sample regardless of throttling")
	assert.False(t, dg.LastAdvertised().IsZero())
}

func TestDeviceGovernor_RssiUnconditionalWhenRateZero(t *testing.T) {
	dg, dev, _ := readyDeviceGovernor(t)
	listener := &recordingGenericListener{log: &eventLog{}}
	dg.AddGenericBluetoothDeviceListener(listener)
	dg.SetRssiFilteringEnabled(false)
	dg.SetRssiReportingRate(0)

	dev.pushRSSI(-60)
	dev.pushRSSI(-61)
	dev.pushRSSI(-62)

	assert.Equal(t, []int16{-60, -61, -62}, listener.rssiEvents())
}

func TestDeviceGovernor_RssiFiltering(t *testing.T) {
	dg, dev, _ := readyDeviceGovernor(t)
	listener := &recordingGenericListener{log: &eventLog{}}
	dg.AddGenericBluetoothDeviceListener(listener)
	dg.SetRssiReportingRate(0)
	require.True(t, dg.IsRssiFilteringEnabled())

	dev.pushRSSI(-60)
	for i := 0; i < 10; i++ {
		dev.pushRSSI(-60)
	}
	dev.pushRSSI(-90)

	events := listener.rssiEvents()
	outlier := events[len(events)-1]
	assert.Greater(t, outlier, int16(-80), "the Kalman filter dampens outliers")
}

func TestDeviceGovernor_ReplaceRssiFilterDiscardsState(t *testing.T) {
	dg, dev, _ := readyDeviceGovernor(t)
	dg.SetRssiReportingRate(0)

	for i := 0; i < 10; i++ {
		dev.pushRSSI(-90)
	}
	dg.SetRssiFilter(rssi.Kalman)
	dev.pushRSSI(-40)
	assert.Equal(t, int16(-40), dg.CurrentRSSI(),
		"a fresh filter primes on the first sample after replacement")
}

func TestDeviceGovernor_EstimatedDistance(t *testing.T) {
	dg, dev, _ := readyDeviceGovernor(t)
	dg.SetRssiFilteringEnabled(false)
	dg.SetRssiReportingRate(0)
	dg.SetMeasuredTxPower(-59)
	dg.SetSignalPropagationExponent(2.0)

	dev.pushRSSI(-69)
	assert.InDelta(t, 3.162, dg.EstimatedDistance(), 0.001)
}

func TestDeviceGovernor_EstimatedDistanceWithoutTxPower(t *testing.T) {
	dg, dev, _ := readyDeviceGovernor(t)
	dg.SetRssiFilteringEnabled(false)
	dg.SetRssiReportingRate(0)

	dev.pushRSSI(-69)
	// Neither a measured nor an advertised TX power is available.
	assert.Equal(t, 0.0, dg.EstimatedDistance())

	// The advertised TX power kicks in when no measured one is set.
	dev.mu.Lock()
	dev.txPower = -59
	dev.mu.Unlock()
	assert.InDelta(t, 3.162, dg.EstimatedDistance(), 0.001)
}

func TestDeviceGovernor_Online(t *testing.T) {
	dg, _, _ := readyDeviceGovernor(t)

	dg.SetOnlineTimeout(time.Hour)
	assert.True(t, dg.IsOnline(), "recent activity within the timeout")

	dg.SetOnlineTimeout(0)
	time.Sleep(time.Millisecond)
	assert.False(t, dg.IsOnline(), "zero timeout never counts as online")
}

func TestDeviceGovernor_OnlineTransitions(t *testing.T) {
	dg, _, log := readyDeviceGovernor(t)
	dg.AddGenericBluetoothDeviceListener(&recordingGenericListener{log: log})
	dg.SetOnlineTimeout(time.Hour)

	dg.Update()
	assert.Equal(t, 1, log.count("online"))

	dg.SetOnlineTimeout(0)
	time.Sleep(time.Millisecond)
	dg.Update()
	assert.Equal(t, 1, log.count("offline"))
}

func TestDeviceGovernor_DataCaches(t *testing.T) {
	dg, dev, log := readyDeviceGovernor(t)
	dg.AddGenericBluetoothDeviceListener(&recordingGenericListener{log: log})

	dev.mu.Lock()
	manufacturerHandler := dev.manufacturerHandler
	serviceDataHandler := dev.serviceDataHandler
	dev.mu.Unlock()
	require.NotNil(t, manufacturerHandler)
	require.NotNil(t, serviceDataHandler)

	manufacturerHandler(map[uint16][]byte{0x004c: {0x01, 0x02}})
	serviceDataHandler(map[string][]byte{"180f": {0x64}})

	assert.Equal(t, map[uint16][]byte{0x004c: {0x01, 0x02}}, dg.ManufacturerData())
	serviceData := dg.ServiceData()
	expectedURL := bturl.NewCharacteristic("11:22:33:44:55:66", "AA:BB:CC:DD:EE:FF", "180f")
	assert.Equal(t, []byte{0x64}, serviceData[expectedURL])

	assert.Equal(t, 1, log.count("manufacturerData"))
	assert.Equal(t, 1, log.count("serviceData"))
}

func TestDeviceGovernor_SmartListenerSignals(t *testing.T) {
	dg, dev, log := readyDeviceGovernor(t)
	dg.AddBluetoothSmartDeviceListener(&recordingSmartListener{log: log})

	dev.mu.Lock()
	connectedHandler := dev.connectedHandler
	resolvedHandler := dev.servicesResolvedHandler
	dev.mu.Unlock()
	require.NotNil(t, connectedHandler)
	require.NotNil(t, resolvedHandler)

	connectedHandler(true)
	connectedHandler(false)
	resolvedHandler(false)

	assert.Equal(t, 1, log.count("connected"))
	assert.Equal(t, 1, log.count("disconnected"))
	assert.Equal(t, 1, log.count("servicesUnresolved"))

	dev.mu.Lock()
	dev.services = []transport.GattService{{
		URL: bturl.NewCharacteristic("11:22:33:44:55:66", "AA:BB:CC:DD:EE:FF", "180f"),
	}}
	dev.mu.Unlock()
	resolvedHandler(true)
	assert.Equal(t, 1, log.count("servicesResolved"))
}

func TestDeviceGovernor_Alias(t *testing.T) {
	dg, _, _ := readyDeviceGovernor(t)

	require.NoError(t, dg.SetAlias("kitchen sensor"))
	alias, err := dg.Alias()
	require.NoError(t, err)
	assert.Equal(t, "kitchen sensor", alias)

	display, err := dg.DisplayName()
	require.NoError(t, err)
	assert.Equal(t, "kitchen sensor", display)
}

func TestDeviceGovernor_CharacteristicURLs(t *testing.T) {
	dg, dev, _ := readyDeviceGovernor(t)

	charURL := bturl.NewCharacteristic("11:22:33:44:55:66", "AA:BB:CC:DD:EE:FF", "2a19")
	dev.mu.Lock()
	dev.services = []transport.GattService{{
		URL:             bturl.NewCharacteristic("11:22:33:44:55:66", "AA:BB:CC:DD:EE:FF", "180f"),
		Characteristics: []bturl.URL{charURL},
	}}
	dev.mu.Unlock()

	urls, err := dg.CharacteristicURLs()
	require.NoError(t, err)
	assert.Equal(t, []bturl.URL{charURL}, urls)
}
