package manager

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/btmanager/pkg/bturl"
	"github.com/srg/btmanager/pkg/transport"
)

// GovernorState is the lifecycle state of a governor.
type GovernorState int32

const (
	// StateNew means no native handle has ever been acquired.
	StateNew GovernorState = iota
	// StateReady means an initialized native handle is held.
	StateReady
	// StateReset means the handle was torn down; the next update pass will
	// try to acquire a fresh one.
	StateReset
	// StateDisposed is terminal: the governor never changes state or
	// notifies listeners again.
	StateDisposed
)

func (s GovernorState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateReady:
		return "READY"
	case StateReset:
		return "RESET"
	case StateDisposed:
		return "DISPOSED"
	default:
		return fmt.Sprintf("GovernorState(%d)", int32(s))
	}
}

// Governor is the stable facade over one volatile native handle. The manager
// keeps exactly one governor per URL; the governor lazily acquires its
// handle, keeps it reconciled with the requested state and recovers from any
// transport failure by resetting and re-acquiring.
type Governor interface {
	URL() bturl.URL
	State() GovernorState
	// IsReady reports whether an initialized native handle is held.
	IsReady() bool
	// Transport returns the protocol of the backend that yielded the handle,
	// empty before the first successful acquisition.
	Transport() string
	// LastActivity returns the time of the last completed update pass or
	// interaction; the zero time before any activity.
	LastActivity() time.Time

	AddGovernorListener(listener GovernorListener)
	RemoveGovernorListener(listener GovernorListener)

	// Init runs a first update pass. It is equivalent to Update.
	Init()
	// Update drives one acquire-or-reconcile pass. It never propagates
	// transport failures; they trigger a reset instead.
	Update()
	// Reset tears down the native handle and all descendant governors. The
	// governor re-acquires on a later update pass.
	Reset()
	// Dispose resets the governor and permanently retires it. Idempotent.
	Dispose()
}

// handleDelegate is the subclass contract: entity-specific behavior for one
// handle type.
type handleDelegate[H transport.Object] interface {
	initHandle(h H) error
	updateHandle(h H) error
	resetHandle(h H) error
}

// governor implements the acquire/init/maintain/reset lifecycle shared by
// all governor kinds. Concrete governors embed it and provide the
// handleDelegate operations.
type governor[H transport.Object] struct {
	manager  *Manager
	url      bturl.URL
	log      *logrus.Entry
	delegate handleDelegate[H]

	// updateLock serializes update passes. Update attempts a non-blocking
	// acquisition; a contended caller waits for the owner to finish and
	// returns without re-entering the pass.
	updateLock sync.Mutex

	// stateMu guards the mutable snapshot below. Never held across
	// transport calls or listener fan-out.
	stateMu              sync.Mutex
	state                GovernorState
	handle               H
	hasHandle            bool
	protocol             string
	lastActivity         time.Time
	lastActivityNotified time.Time

	listenersMu sync.Mutex
	listeners   []GovernorListener
}

func newGovernor[H transport.Object](m *Manager, url bturl.URL, delegate handleDelegate[H]) *governor[H] {
	return &governor[H]{
		manager:  m,
		url:      url,
		log:      m.logger.WithField("url", url.String()),
		delegate: delegate,
	}
}

func (g *governor[H]) URL() bturl.URL {
	return g.url
}

func (g *governor[H]) State() GovernorState {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	return g.state
}

func (g *governor[H]) IsReady() bool {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	return g.hasHandle
}

func (g *governor[H]) Transport() string {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	return g.protocol
}

func (g *governor[H]) LastActivity() time.Time {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	return g.lastActivity
}

func (g *governor[H]) AddGovernorListener(listener GovernorListener) {
	g.listenersMu.Lock()
	defer g.listenersMu.Unlock()
	g.listeners = append(g.listeners, listener)
}

func (g *governor[H]) RemoveGovernorListener(listener GovernorListener) {
	g.listenersMu.Lock()
	defer g.listenersMu.Unlock()
	for i, l := range g.listeners {
		if l == listener {
			g.listeners = append(g.listeners[:i], g.listeners[i+1:]...)
			return
		}
	}
}

func (g *governor[H]) Init() {
	g.Update()
}

// Update drives one pass of the lifecycle state machine: acquire a handle if
// none is cached, initialize it, then reconcile the requested state via the
// delegate. Any failure resets the governor; nothing propagates.
func (g *governor[H]) Update() {
	if g.State() == StateDisposed {
		return
	}
	g.log.Debug("Updating governor")

	if !g.updateLock.TryLock() {
		// Another thread is inside an update pass. Wait for it to finish so
		// the caller observes at least one completed pass, then return
		// without running another one.
		g.log.Debug("Governor is being updated, waiting for the current pass")
		g.updateLock.Lock()
		g.updateLock.Unlock() //nolint:staticcheck // immediate release is the point
		return
	}

	updated := false
	func() {
		defer g.updateLock.Unlock()

		h, ok, err := g.acquireHandle()
		if err != nil {
			g.log.WithError(err).Warn("Error occurred while updating governor")
			g.Reset()
			return
		}
		if !ok {
			g.log.Debug("Native object is not available")
			return
		}
		if err := g.delegate.updateHandle(h); err != nil {
			g.log.WithError(err).Warn("Error occurred while updating governor")
			g.Reset()
			return
		}
		updated = true
	}()

	if updated {
		g.log.Debug("Governor has been updated")
		g.updateLastActivity()
		g.notifyLastActivity()
	}
}

// Reset tears down descendants first, then the governor's own handle:
// delegate teardown, ready(false) fan-out, handle disposal. The handle slot
// is cleared so a later update pass starts from acquisition.
func (g *governor[H]) Reset() {
	g.stateMu.Lock()
	if g.state == StateReset || g.state == StateDisposed {
		g.stateMu.Unlock()
		return
	}
	g.state = StateReset
	g.stateMu.Unlock()

	g.log.Debug("Resetting governor, descendants first")
	g.manager.resetDescendants(g.url)

	g.stateMu.Lock()
	h, had := g.handle, g.hasHandle
	g.stateMu.Unlock()

	if had {
		if err := g.delegate.resetHandle(h); err != nil {
			g.log.WithError(err).Debug("Could not reset native object")
		}
		g.notifyReady(false)
		disposeQuietly(h, g.log)
	}

	g.stateMu.Lock()
	var zero H
	g.handle = zero
	g.hasHandle = false
	g.stateMu.Unlock()
	g.log.Debug("Governor has been reset")
}

func (g *governor[H]) Dispose() {
	g.stateMu.Lock()
	if g.state == StateDisposed {
		g.stateMu.Unlock()
		return
	}
	g.stateMu.Unlock()

	g.log.Debug("Disposing governor")
	g.Reset()

	g.stateMu.Lock()
	g.state = StateDisposed
	g.stateMu.Unlock()

	g.listenersMu.Lock()
	g.listeners = nil
	g.listenersMu.Unlock()
}

// acquireHandle returns the cached handle or queries the transport factory
// for a new one. On first acquisition it records the backend protocol,
// initializes the handle and fans out ready(true).
func (g *governor[H]) acquireHandle() (H, bool, error) {
	var zero H

	g.stateMu.Lock()
	if g.hasHandle {
		h := g.handle
		g.stateMu.Unlock()
		return h, true, nil
	}
	protocol := g.protocol
	g.stateMu.Unlock()

	lookup := g.url
	if protocol != "" {
		lookup = g.url.CopyWithProtocol(protocol)
	}
	obj, err := g.manager.factory.GetObject(lookup)
	if err != nil {
		return zero, false, fmt.Errorf("failed to acquire native object: %w", err)
	}
	if obj == nil {
		return zero, false, nil
	}
	h, ok := any(obj).(H)
	if !ok {
		disposeQuietly(obj, g.log)
		return zero, false, fmt.Errorf("transport returned an unexpected handle type for %s", g.url)
	}

	g.log.Debug("A new native object has been acquired")
	g.stateMu.Lock()
	g.handle = h
	g.hasHandle = true
	g.protocol = obj.URL().Protocol
	g.stateMu.Unlock()

	if err := g.delegate.initHandle(h); err != nil {
		return zero, false, fmt.Errorf("failed to initialize native object: %w", err)
	}

	g.stateMu.Lock()
	g.state = StateReady
	g.stateMu.Unlock()
	g.notifyReady(true)

	return h, true, nil
}

// readyHandle returns the cached handle, running one on-demand update pass
// when the governor is not ready yet.
func (g *governor[H]) readyHandle() (H, error) {
	if !g.IsReady() {
		g.Update()
	}
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	if !g.hasHandle {
		var zero H
		return zero, fmt.Errorf("%w: %s", ErrNotReady, g.url)
	}
	return g.handle, nil
}

func (g *governor[H]) updateLastActivity() {
	g.stateMu.Lock()
	g.lastActivity = time.Now()
	g.stateMu.Unlock()
}

func (g *governor[H]) notifyLastActivity() {
	g.stateMu.Lock()
	last := g.lastActivity
	changed := !last.IsZero() && !last.Equal(g.lastActivityNotified)
	if changed {
		g.lastActivityNotified = last
	}
	g.stateMu.Unlock()
	if !changed {
		return
	}
	safeForEach(g.snapshotListeners(), func(l GovernorListener) {
		l.LastUpdatedChanged(last)
	}, g.log, "Execution error of a governor listener: last changed")
}

func (g *governor[H]) notifyReady(ready bool) {
	safeForEach(g.snapshotListeners(), func(l GovernorListener) {
		l.Ready(ready)
	}, g.log, "Execution error of a governor listener: ready")
	g.manager.governorReady(g.delegate.(Governor), ready)
}

func (g *governor[H]) snapshotListeners() []GovernorListener {
	g.listenersMu.Lock()
	defer g.listenersMu.Unlock()
	snapshot := make([]GovernorListener, len(g.listeners))
	copy(snapshot, g.listeners)
	return snapshot
}

// interact runs fn against the native handle on behalf of a user-initiated
// operation. A transport failure resets the governor and is returned to the
// caller; reset side effects are observable only through listeners.
func interact[H transport.Object, R any](g *governor[H], name string, fn func(h H) (R, error)) (R, error) {
	var zero R
	h, err := g.readyHandle()
	if err != nil {
		return zero, err
	}
	g.log.WithField("op", name).Trace("Interacting with native object")
	result, err := fn(h)
	if err != nil {
		g.log.WithFields(logrus.Fields{
			"op":            name,
			"update_locked": updateInFlight(g),
		}).WithError(err).Warn("Error occurred while interacting with native object")
		g.Reset()
		return zero, err
	}
	g.updateLastActivity()
	return result, nil
}

// interactVoid is interact for operations without a result.
func interactVoid[H transport.Object](g *governor[H], name string, fn func(h H) error) error {
	_, err := interact(g, name, func(h H) (struct{}, error) {
		return struct{}{}, fn(h)
	})
	return err
}

// updateInFlight probes whether an update pass currently owns the update
// lock. Diagnostic only.
func updateInFlight[H transport.Object](g *governor[H]) bool {
	if g.updateLock.TryLock() {
		g.updateLock.Unlock()
		return false
	}
	return true
}

func disposeQuietly(obj transport.Object, log *logrus.Entry) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Debug("Could not dispose native object")
		}
	}()
	obj.Dispose()
}
