package manager

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/btmanager/internal/groutine"
	"github.com/srg/btmanager/pkg/bturl"
	"github.com/srg/btmanager/pkg/transport"
)

// Scheduling defaults.
const (
	DefaultDiscoveryRate  = 10 * time.Second
	DefaultRefreshRate    = 5 * time.Second
	defaultRefreshWorkers = 5
)

// DeviceDefaults carries per-device settings applied to every freshly
// created device governor.
type DeviceDefaults struct {
	OnlineTimeout             time.Duration
	MeasuredTxPower           int16
	SignalPropagationExponent float64
	RssiReportingRate         time.Duration
	RssiFilteringEnabled      bool
}

// Options configures a Manager.
type Options struct {
	// DiscoveryRate is the period of the discovery job. Zero selects
	// DefaultDiscoveryRate; a negative rate makes Start fail.
	DiscoveryRate time.Duration
	// RefreshRate is the period of per-governor refresh tasks.
	RefreshRate time.Duration
	// Rediscover re-emits discovered events for entities already known.
	Rediscover bool
	// DeviceDefaults seeds every new device governor.
	DeviceDefaults DeviceDefaults
}

// DefaultOptions returns the default manager options.
func DefaultOptions() Options {
	return Options{
		DiscoveryRate: DefaultDiscoveryRate,
		RefreshRate:   DefaultRefreshRate,
		DeviceDefaults: DeviceDefaults{
			OnlineTimeout:             DefaultOnlineTimeout,
			SignalPropagationExponent: 2.0,
			RssiReportingRate:         DefaultRssiReportingRate,
			RssiFilteringEnabled:      true,
		},
	}
}

// Manager is the singleton entry point of the management layer. It owns the
// governor registry, runs the periodic discovery job and schedules a refresh
// task per governor. Governors carry a non-owning back-reference to the
// manager for cascading operations; the manager outlives them and tears them
// down on Dispose.
type Manager struct {
	factory transport.Factory
	logger  *logrus.Logger
	log     *logrus.Entry

	discoveryRate  time.Duration
	refreshRate    time.Duration
	deviceDefaults DeviceDefaults

	scheduler  *cron.Cron
	refreshSem chan struct{}

	startMu          sync.Mutex
	discoveryEntry   cron.EntryID
	startDiscovering bool
	rediscover       bool
	disposed         bool

	registryMu     sync.Mutex
	registry       *orderedmap.OrderedMap[bturl.URL, Governor]
	refreshEntries map[bturl.URL]cron.EntryID

	deviceListenersMu        sync.Mutex
	deviceDiscoveryListeners []DeviceDiscoveryListener

	adapterListenersMu        sync.Mutex
	adapterDiscoveryListeners []AdapterDiscoveryListener

	discoveredAdaptersMu sync.Mutex
	discoveredAdapters   map[bturl.URL]DiscoveredAdapter

	discoveredDevicesMu sync.Mutex
	discoveredDevices   map[bturl.URL]DiscoveredDevice
}

// New creates a manager bound to the given transport factory. A nil logger
// falls back to a default logrus instance. The refresh scheduler starts
// immediately; the discovery job only runs after Start.
func New(factory transport.Factory, opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.DiscoveryRate == 0 {
		opts.DiscoveryRate = DefaultDiscoveryRate
	}
	if opts.RefreshRate <= 0 {
		opts.RefreshRate = DefaultRefreshRate
	}

	m := &Manager{
		factory:            factory,
		logger:             logger,
		log:                logger.WithField("component", "bluetooth-manager"),
		discoveryRate:      opts.DiscoveryRate,
		refreshRate:        opts.RefreshRate,
		rediscover:         opts.Rediscover,
		deviceDefaults:     opts.DeviceDefaults,
		refreshSem:         make(chan struct{}, defaultRefreshWorkers),
		registry:           orderedmap.New[bturl.URL, Governor](),
		refreshEntries:     make(map[bturl.URL]cron.EntryID),
		discoveredAdapters: make(map[bturl.URL]DiscoveredAdapter),
		discoveredDevices:  make(map[bturl.URL]DiscoveredDevice),
	}
	cronLog := newCronLogger(m.log)
	m.scheduler = cron.New(cron.WithChain(cron.Recover(cronLog)))
	m.scheduler.Start()
	return m
}

// Start schedules the periodic discovery job. When startDiscovering is set,
// a governor is created for every discovered adapter, which in turn starts
// device discovery on it. Start is idempotent; a subsequent call while the
// job is scheduled is a no-op.
func (m *Manager) Start(startDiscovering bool) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.disposed {
		return ErrDisposed
	}
	if m.discoveryEntry != 0 {
		return nil
	}
	if m.discoveryRate <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDiscoveryRate, m.discoveryRate)
	}
	m.startDiscovering = startDiscovering

	// SkipIfStillRunning keeps at most one discovery pass in flight.
	job := cron.NewChain(cron.SkipIfStillRunning(newCronLogger(m.log))).
		Then(cron.FuncJob(m.runDiscovery))
	entry, err := m.scheduler.AddJob(fmt.Sprintf("@every %s", m.discoveryRate), job)
	if err != nil {
		return fmt.Errorf("failed to schedule discovery job: %w", err)
	}
	m.discoveryEntry = entry

	// The cron entry first fires after one period; run the initial pass now.
	groutine.Go("discovery", m.runDiscovery)
	return nil
}

// Stop cancels the periodic discovery job. Governors and their refresh
// tasks keep running.
func (m *Manager) Stop() {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.discoveryEntry != 0 {
		m.scheduler.Remove(m.discoveryEntry)
		m.discoveryEntry = 0
	}
}

// Governor returns the governor for the given URL, creating and enrolling it
// on first lookup.
func (m *Manager) Governor(url bturl.URL) (Governor, error) {
	key := registryKey(url)

	m.registryMu.Lock()
	if g, ok := m.registry.Get(key); ok {
		m.registryMu.Unlock()
		return g, nil
	}
	g, err := m.createGovernor(key)
	if err != nil {
		m.registryMu.Unlock()
		return nil, err
	}
	m.registry.Set(key, g)
	entry, err := m.scheduler.AddFunc(fmt.Sprintf("@every %s", m.refreshRate), func() {
		m.refresh(g)
	})
	if err == nil {
		m.refreshEntries[key] = entry
	}
	m.registryMu.Unlock()

	if err != nil {
		m.log.WithError(err).WithField("url", url.String()).Error("Could not enroll governor refresh task")
	}

	// Initial update pass outside of the registry lock; the recurring task
	// first fires after one refresh period.
	g.Update()
	return g, nil
}

// AdapterGovernor returns the adapter governor for the adapter portion of
// the URL.
func (m *Manager) AdapterGovernor(url bturl.URL) (*AdapterGovernor, error) {
	g, err := m.Governor(url.AdapterURL())
	if err != nil {
		return nil, err
	}
	return g.(*AdapterGovernor), nil
}

// DeviceGovernor returns the device governor for the device portion of the
// URL.
func (m *Manager) DeviceGovernor(url bturl.URL) (*DeviceGovernor, error) {
	g, err := m.Governor(url.DeviceURL())
	if err != nil {
		return nil, err
	}
	return g.(*DeviceGovernor), nil
}

// CharacteristicGovernor returns the characteristic governor for the URL.
func (m *Manager) CharacteristicGovernor(url bturl.URL) (*CharacteristicGovernor, error) {
	g, err := m.Governor(url)
	if err != nil {
		return nil, err
	}
	cg, ok := g.(*CharacteristicGovernor)
	if !ok {
		return nil, fmt.Errorf("%w: not a characteristic: %s", ErrUnknownURL, url)
	}
	return cg, nil
}

// GovernorsFor returns governors for all given URLs, creating missing ones.
func (m *Manager) GovernorsFor(urls []bturl.URL) []Governor {
	governors := make([]Governor, 0, len(urls))
	for _, url := range urls {
		g, err := m.Governor(url)
		if err != nil {
			m.log.WithError(err).WithField("url", url.String()).Warn("Could not create governor")
			continue
		}
		governors = append(governors, g)
	}
	return governors
}

// DisposeGovernor cancels the governor's refresh task, disposes it and
// removes it from the registry.
func (m *Manager) DisposeGovernor(url bturl.URL) {
	key := registryKey(url)

	m.registryMu.Lock()
	g, ok := m.registry.Get(key)
	if ok {
		m.registry.Delete(key)
	}
	if entry, found := m.refreshEntries[key]; found {
		m.scheduler.Remove(entry)
		delete(m.refreshEntries, key)
	}
	m.registryMu.Unlock()

	if ok {
		g.Dispose()
	}
}

// Dispose shuts down the scheduler, disposes every governor and clears all
// listener sets. The manager cannot be restarted afterwards.
func (m *Manager) Dispose() {
	m.log.Info("Disposing bluetooth manager")

	m.startMu.Lock()
	m.disposed = true
	m.discoveryEntry = 0
	m.startMu.Unlock()

	ctx := m.scheduler.Stop()
	<-ctx.Done()

	m.registryMu.Lock()
	governors := make([]Governor, 0, m.registry.Len())
	for pair := m.registry.Oldest(); pair != nil; pair = pair.Next() {
		governors = append(governors, pair.Value)
	}
	m.registry = orderedmap.New[bturl.URL, Governor]()
	m.refreshEntries = make(map[bturl.URL]cron.EntryID)
	m.registryMu.Unlock()

	for _, g := range governors {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.WithField("panic", r).Error("Could not dispose governor: " + g.URL().String())
				}
			}()
			g.Dispose()
		}()
	}

	m.deviceListenersMu.Lock()
	m.deviceDiscoveryListeners = nil
	m.deviceListenersMu.Unlock()
	m.adapterListenersMu.Lock()
	m.adapterDiscoveryListeners = nil
	m.adapterListenersMu.Unlock()

	m.log.Info("Bluetooth manager has been disposed")
}

// AddDeviceDiscoveryListener registers a device discovery listener.
func (m *Manager) AddDeviceDiscoveryListener(listener DeviceDiscoveryListener) {
	m.deviceListenersMu.Lock()
	defer m.deviceListenersMu.Unlock()
	m.deviceDiscoveryListeners = append(m.deviceDiscoveryListeners, listener)
}

// RemoveDeviceDiscoveryListener unregisters a device discovery listener.
func (m *Manager) RemoveDeviceDiscoveryListener(listener DeviceDiscoveryListener) {
	m.deviceListenersMu.Lock()
	defer m.deviceListenersMu.Unlock()
	m.deviceDiscoveryListeners = removeListener(m.deviceDiscoveryListeners, listener)
}

// AddAdapterDiscoveryListener registers an adapter discovery listener.
func (m *Manager) AddAdapterDiscoveryListener(listener AdapterDiscoveryListener) {
	m.adapterListenersMu.Lock()
	defer m.adapterListenersMu.Unlock()
	m.adapterDiscoveryListeners = append(m.adapterDiscoveryListeners, listener)
}

// RemoveAdapterDiscoveryListener unregisters an adapter discovery listener.
func (m *Manager) RemoveAdapterDiscoveryListener(listener AdapterDiscoveryListener) {
	m.adapterListenersMu.Lock()
	defer m.adapterListenersMu.Unlock()
	m.adapterDiscoveryListeners = removeListener(m.adapterDiscoveryListeners, listener)
}

// DiscoveredAdapters returns a snapshot of adapters seen by the last
// discovery pass.
func (m *Manager) DiscoveredAdapters() []DiscoveredAdapter {
	m.discoveredAdaptersMu.Lock()
	defer m.discoveredAdaptersMu.Unlock()
	out := make([]DiscoveredAdapter, 0, len(m.discoveredAdapters))
	for _, a := range m.discoveredAdapters {
		out = append(out, a)
	}
	return out
}

// DiscoveredDevices returns a snapshot of devices seen by the last discovery
// pass.
func (m *Manager) DiscoveredDevices() []DiscoveredDevice {
	m.discoveredDevicesMu.Lock()
	defer m.discoveredDevicesMu.Unlock()
	out := make([]DiscoveredDevice, 0, len(m.discoveredDevices))
	for _, d := range m.discoveredDevices {
		out = append(out, d)
	}
	return out
}

// ScheduleUpdate runs one update pass of the governor on a refresh worker,
// out of band of its recurring task.
func (m *Manager) ScheduleUpdate(g Governor) {
	groutine.Go("governor-update", func() {
		m.refresh(g)
	})
}

// ResetDescendants resets every governor whose URL strictly descends from
// parent.
func (m *Manager) ResetDescendants(parent bturl.URL) {
	m.resetDescendants(parent)
}

// UpdateDescendants runs an update pass on every governor whose URL strictly
// descends from parent.
func (m *Manager) UpdateDescendants(parent bturl.URL) {
	for _, g := range m.descendants(parent) {
		m.refresh(g)
	}
}

func (m *Manager) refresh(g Governor) {
	m.refreshSem <- struct{}{}
	defer func() { <-m.refreshSem }()
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("panic", r).Error("Could not update governor: " + g.URL().String())
		}
	}()
	g.Update()
}

func (m *Manager) resetDescendants(parent bturl.URL) {
	for _, g := range m.descendants(parent) {
		g.Reset()
	}
}

// descendants snapshots matching governors under the registry lock; callers
// operate on the snapshot without holding it.
func (m *Manager) descendants(parent bturl.URL) []Governor {
	m.registryMu.Lock()
	defer m.registryMu.Unlock()
	var out []Governor
	for pair := m.registry.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key.IsDescendant(parent) {
			out = append(out, pair.Value)
		}
	}
	return out
}

func (m *Manager) createGovernor(url bturl.URL) (Governor, error) {
	switch {
	case url.IsAdapter():
		return newAdapterGovernor(m, url), nil
	case url.IsDevice():
		return newDeviceGovernor(m, url), nil
	case url.IsCharacteristic():
		return newCharacteristicGovernor(m, url), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownURL, url)
	}
}

// existingGovernor peeks the registry without creating a governor.
func (m *Manager) existingGovernor(url bturl.URL) Governor {
	m.registryMu.Lock()
	defer m.registryMu.Unlock()
	g, _ := m.registry.Get(registryKey(url))
	return g
}

func (m *Manager) existingDeviceGovernor(url bturl.URL) (*DeviceGovernor, error) {
	g := m.existingGovernor(url)
	if g == nil {
		return nil, nil
	}
	dg, ok := g.(*DeviceGovernor)
	if !ok {
		return nil, fmt.Errorf("%w: not a device: %s", ErrUnknownURL, url)
	}
	return dg, nil
}

// governorReady is the manager-side hook invoked on every ready transition.
func (m *Manager) governorReady(g Governor, ready bool) {
	m.log.WithFields(logrus.Fields{
		"url":   g.URL().String(),
		"ready": ready,
	}).Debug("Governor readiness changed")
}

// nearestAdapter picks the adapter closest to the device represented by dg.
// Candidates are the registered device governors sharing dg's device
// address; distance ties (and unavailable distances) break towards the
// smallest adapter address.
func (m *Manager) nearestAdapter(dg *DeviceGovernor) bturl.URL {
	deviceAddress := dg.URL().DeviceAddress

	m.registryMu.Lock()
	var candidates []*DeviceGovernor
	for pair := m.registry.Oldest(); pair != nil; pair = pair.Next() {
		if sibling, ok := pair.Value.(*DeviceGovernor); ok &&
			sibling.URL().DeviceAddress == deviceAddress {
			candidates = append(candidates, sibling)
		}
	}
	m.registryMu.Unlock()

	if len(candidates) <= 1 {
		return dg.URL().AdapterURL()
	}

	sort.Slice(candidates, func(i, j int) bool {
		di, dj := candidates[i].EstimatedDistance(), candidates[j].EstimatedDistance()
		// 0 is the "unavailable" sentinel and loses to any real distance.
		if (di > 0) != (dj > 0) {
			return di > 0
		}
		if di != dj {
			return di < dj
		}
		return candidates[i].URL().AdapterAddress < candidates[j].URL().AdapterAddress
	})
	return candidates[0].URL().AdapterURL()
}

// registryKey normalizes a URL for registry lookups: the protocol refinement
// is a governor-internal detail and does not participate in identity.
func registryKey(url bturl.URL) bturl.URL {
	url.Protocol = ""
	return url
}
