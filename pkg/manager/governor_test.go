package manager

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/btmanager/pkg/bturl"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestManager(t *testing.T, factory *fakeFactory) *Manager {
	t.Helper()
	m := New(factory, DefaultOptions(), quietLogger())
	t.Cleanup(m.Dispose)
	return m
}

func deviceURL() bturl.URL {
	return bturl.NewDevice("11:22:33:44:55:66", "AA:BB:CC:DD:EE:FF")
}

func TestGovernor_AcquireInitUpdate(t *testing.T) {
	log := &eventLog{}
	factory := newFakeFactory()
	dev := newFakeDevice("11:22:33:44:55:66", "AA:BB:CC:DD:EE:FF", log)
	m := newTestManager(t, factory)

	// The device is not available while Governor() runs its initial update,
	// so the listener is registered before the first acquisition.
	g, err := m.Governor(deviceURL())
	require.NoError(t, err)
	g.AddGovernorListener(&recordingGovernorListener{log: log})

	factory.put(dev)
	g.Update()

	// The update acquired and initialized the handle; the governor is ready
	// and has recorded the backend protocol.
	assert.True(t, g.IsReady())
	assert.Equal(t, "fake", g.Transport())
	assert.False(t, g.LastActivity().IsZero())

	g.Update()
	assert.Equal(t, 1, log.count("ready:true"), "no extra ready transitions on steady updates")
	assert.Equal(t, 0, log.count("ready:false"))
}

func TestGovernor_UnavailableObject(t *testing.T) {
	log := &eventLog{}
	factory := newFakeFactory()
	m := newTestManager(t, factory)

	g, err := m.Governor(deviceURL())
	require.NoError(t, err)
	g.AddGovernorListener(&recordingGovernorListener{log: log})

	g.Update()
	assert.False(t, g.IsReady())
	assert.Empty(t, log.list())
	assert.True(t, g.LastActivity().IsZero())
}

func TestGovernor_TransientTransportFailure(t *testing.T) {
	log := &eventLog{}
	factory := newFakeFactory()
	dev := newFakeDevice("11:22:33:44:55:66", "AA:BB:CC:DD:EE:FF", log)
	factory.put(dev)
	m := newTestManager(t, factory)

	g, err := m.Governor(deviceURL())
	require.NoError(t, err)
	readyLog := &eventLog{}
	g.AddGovernorListener(&recordingGovernorListener{log: readyLog})
	require.True(t, g.IsReady())

	// A transport failure during the refresh must reset the governor without
	// surfacing an error.
	dev.mu.Lock()
	dev.failBlockedQuery = errors.New("transport gone")
	dev.mu.Unlock()
	g.Update()

	assert.False(t, g.IsReady())
	assert.Equal(t, []string{"ready:false"}, readyLog.list())
	assert.Equal(t, StateReset, g.State())

	// Transport recovers; the next refresh re-acquires and re-initializes.
	dev.mu.Lock()
	dev.failBlockedQuery = nil
	dev.mu.Unlock()
	g.Update()

	assert.True(t, g.IsReady())
	assert.Equal(t, []string{"ready:false", "ready:true"}, readyLog.list())
	assert.Equal(t, StateReady, g.State())
}

func TestGovernor_ReadyTransitionsAlternate(t *testing.T) {
	log := &eventLog{}
	factory := newFakeFactory()
	dev := newFakeDevice("11:22:33:44:55:66", "AA:BB:CC:DD:EE:FF", log)
	factory.put(dev)
	m := newTestManager(t, factory)

	g, err := m.Governor(deviceURL())
	require.NoError(t, err)
	readyLog := &eventLog{}
	g.AddGovernorListener(&recordingGovernorListener{log: readyLog})

	for i := 0; i < 3; i++ {
		g.Reset()
		g.Update()
	}

	events := readyLog.list()
	require.NotEmpty(t, events)
	// Between any two ready:true there is exactly one ready:false.
	var previous string
	for _, ev := range events {
		assert.NotEqual(t, previous, ev, "ready transitions must alternate")
		previous = ev
	}
}

func TestGovernor_Dispose(t *testing.T) {
	log := &eventLog{}
	factory := newFakeFactory()
	dev := newFakeDevice("11:22:33:44:55:66", "AA:BB:CC:DD:EE:FF", log)
	factory.put(dev)
	m := newTestManager(t, factory)

	g, err := m.Governor(deviceURL())
	require.NoError(t, err)
	readyLog := &eventLog{}
	g.AddGovernorListener(&recordingGovernorListener{log: readyLog})

	g.Dispose()
	assert.Equal(t, StateDisposed, g.State())
	assert.False(t, g.IsReady())
	assert.Equal(t, []string{"ready:false"}, readyLog.list())

	// Terminal: no further transitions or notifications.
	g.Update()
	g.Reset()
	g.Dispose()
	assert.Equal(t, StateDisposed, g.State())
	assert.Equal(t, []string{"ready:false"}, readyLog.list())
}

func TestGovernor_InteractNotReady(t *testing.T) {
	factory := newFakeFactory()
	m := newTestManager(t, factory)

	dg, err := m.DeviceGovernor(deviceURL())
	require.NoError(t, err)

	_, err = dg.Name()
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestGovernor_InteractFailure(t *testing.T) {
	log := &eventLog{}
	factory := newFakeFactory()
	ch := newFakeCharacteristic("11:22:33:44:55:66", "AA:BB:CC:DD:EE:FF", "180f", log)
	factory.put(ch)
	m := newTestManager(t, factory)

	cg, err := m.CharacteristicGovernor(
		bturl.NewCharacteristic("11:22:33:44:55:66", "AA:BB:CC:DD:EE:FF", "180f"))
	require.NoError(t, err)
	readyLog := &eventLog{}
	cg.AddGovernorListener(&recordingGovernorListener{log: readyLog})
	require.True(t, cg.IsReady())

	ch.mu.Lock()
	ch.failWrite = errors.New("write failed")
	ch.mu.Unlock()

	writeErr := cg.Write([]byte{0x01})
	assert.ErrorContains(t, writeErr, "write failed")
	assert.False(t, cg.IsReady(), "interact failure resets the governor")
	assert.Equal(t, []string{"ready:false"}, readyLog.list())
}

func TestGovernor_UpdateNotReentered(t *testing.T) {
	log := &eventLog{}
	factory := newFakeFactory()
	dev := newFakeDevice("11:22:33:44:55:66", "AA:BB:CC:DD:EE:FF", log)
	factory.put(dev)
	m := newTestManager(t, factory)

	g, err := m.Governor(deviceURL())
	require.NoError(t, err)
	require.True(t, g.IsReady())

	dev.mu.Lock()
	before := dev.updateHandleRun
	dev.updateDelay = 100 * time.Millisecond
	dev.mu.Unlock()

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Update()
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	dev.mu.Lock()
	runs := dev.updateHandleRun - before
	dev.mu.Unlock()

	assert.Equal(t, 1, runs, "concurrent updates collapse into a single pass")
	assert.Less(t, elapsed, 400*time.Millisecond, "contended callers wait for the owner, not for their own pass")
}
