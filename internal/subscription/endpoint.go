package subscription

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/opc-publisher/internal/domain"
)

// endpointState is the per-endpoint runtime model: one Session, one
// subState per distinct publishing interval in use, and the set of
// Monitored Items the reconcile loop is driving toward the desired
// configuration. mu is the EndpointLock of the §5 lock hierarchy.
type endpointState struct {
	url    string
	key    string
	logger zerolog.Logger

	mu    sync.Mutex
	state domain.SessionState

	endpoint     domain.Endpoint
	haveEndpoint bool

	session sessionHandle
	subs    map[int64]*subState // keyed by publishing interval in milliseconds

	items      map[domain.ItemKey]*domain.MonitoredItem
	heartbeats map[domain.ItemKey]*time.Timer

	keepAliveMisses   uint32
	keepAliveWatchdog *time.Timer

	lastConnectAttempt time.Time

	// stop is closed by the Manager's syncEndpoints once this endpoint has
	// dropped out of the desired model and gone idle, telling runEndpoint
	// to close up and return instead of ticking forever on zero demand.
	stop chan struct{}

	// pendingDisconnect is set mid-batch by applyAddResult when a
	// BadSessionIdInvalid/BadSubscriptionIdInvalid result is seen; tick
	// acts on it once addMonitoredItems has returned, since disconnecting
	// the endpoint's Session/Subscriptions from inside the results loop
	// that triggered it would invalidate the loop's own state.
	pendingDisconnect bool
}

func newEndpointState(url string, logger zerolog.Logger) *endpointState {
	return &endpointState{
		url:        url,
		key:        domain.EndpointKey(url),
		logger:     logger.With().Str("endpoint", url).Logger(),
		state:      domain.SessionDisconnected,
		subs:       make(map[int64]*subState),
		items:      make(map[domain.ItemKey]*domain.MonitoredItem),
		heartbeats: make(map[domain.ItemKey]*time.Timer),
		stop:       make(chan struct{}),
	}
}

// connected reports whether the endpoint currently has a live Session.
func (ep *endpointState) connected() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.connectedLocked()
}

// idle reports whether this endpoint holds no Session and no
// Subscriptions or Monitored Items, the Endpoint-destruction condition
// once it has also dropped out of the desired model.
func (ep *endpointState) idle() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.session == nil && len(ep.subs) == 0 && len(ep.items) == 0
}

func (ep *endpointState) connectedLocked() bool {
	return ep.session != nil && ep.state == domain.SessionConnected && ep.session.Connected()
}

// subState is the per-Subscription runtime state: one per distinct
// publishing interval an endpoint's Monitored Items ask for (§3 "Sessions
// group Monitored Items into one Subscription per distinct publishing
// interval").
type subState struct {
	handle               subscriptionHandle
	publishingIntervalMS int64
	revisedInterval      time.Duration

	handleSeed    uint32
	itemsByHandle map[uint32]domain.ItemKey
}

func newSubState(handle subscriptionHandle, publishingIntervalMS int64) *subState {
	return &subState{
		handle:               handle,
		publishingIntervalMS: publishingIntervalMS,
		revisedInterval:      handle.RevisedInterval(),
		itemsByHandle:        make(map[uint32]domain.ItemKey),
	}
}

func (s *subState) nextClientHandle() uint32 {
	s.handleSeed++
	return s.handleSeed
}

// tick runs one pass of the reconciliation algorithm (§4.5) for ep,
// holding the EndpointLock for its entire duration. Steps 3 and 4 before
// step 7 matter: a session that just connected must get a chance to grow
// subscriptions before pruneSession considers it idle.
func (m *Manager) tick(ep *endpointState) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	endpoint, desired, ok := m.store.DesiredForEndpoint(ep.url)
	if ok {
		ep.endpoint = endpoint
		ep.haveEndpoint = true
	}

	m.ensureSession(ep)
	if !ep.connectedLocked() {
		return
	}

	resolver := m.resolveNamespaces(ep, desired)
	m.ensureSubscriptions(ep)
	m.addMonitoredItems(ep, resolver)

	if ep.pendingDisconnect {
		ep.pendingDisconnect = false
		m.disconnectEndpointLocked(ep)
		return
	}

	m.removeMonitoredItems(ep)
	m.pruneSubscriptions(ep)
	m.pruneSession(ep)

	if m.metrics != nil {
		m.metrics.MonitoredItems.Set(float64(len(ep.items)))
	}
}
