// Package subscription implements the Subscription Manager (C5): the
// in-memory model of Sessions -> Subscriptions -> Monitored Items and the
// per-endpoint reconciliation loop that drives that model toward the
// desired configuration held in internal/nodeconfig.Store.
package subscription

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/opc-publisher/internal/domain"
	"github.com/nexus-edge/opc-publisher/internal/metrics"
	"github.com/nexus-edge/opc-publisher/internal/nodeconfig"
	"github.com/nexus-edge/opc-publisher/internal/opcuaclient"
	"github.com/nexus-edge/opc-publisher/internal/shaper"
)

// HubPublisher is the narrow view of the Hub Sender (C6) the Manager
// needs: enqueue an already-shaped payload, never blocking the
// notification path. Value records pass through the Telemetry Shaper
// first (hence the generic map); event records have no shaping rules
// (§4.3 only names Value-record fields) and are enqueued as-is.
type HubPublisher interface {
	EnqueueValue(payload map[string]interface{}) bool
	EnqueueEvent(rec domain.EventMessageRecord) bool
}

// Config holds the subset of the recognised configuration options (§6)
// the reconciliation core consumes directly.
type Config struct {
	SessionConnectWait              time.Duration
	OpcOperationTimeout              time.Duration
	OpcKeepAliveDisconnectThreshold  uint32
	PublisherShutdownWaitPeriod      time.Duration
	DefaultOpcSamplingInterval       time.Duration
	DefaultOpcPublishingInterval     time.Duration
	FetchOpcNodeDisplayName          bool
	SuppressedStatusCodes            domain.StatusCodeSet

	// NotifyBufferLen sizes each Subscription's raw notification channel.
	NotifyBufferLen int
	// SubscriptionLifetimeCount/MaxKeepAliveCount are passed verbatim to
	// every CreateSubscription call.
	SubscriptionLifetimeCount     uint32
	SubscriptionMaxKeepAliveCount uint32
	// ReconcileSafetyInterval is the periodic fallback tick run even when
	// no "desired state changed" signal has fired, so a stuck server
	// reconnect attempt is retried without depending on new Publish calls.
	ReconcileSafetyInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.SessionConnectWait <= 0 {
		c.SessionConnectWait = 10 * time.Second
	}
	if c.OpcOperationTimeout <= 0 {
		c.OpcOperationTimeout = 120 * time.Second
	}
	if c.OpcKeepAliveDisconnectThreshold == 0 {
		c.OpcKeepAliveDisconnectThreshold = 3
	}
	if c.PublisherShutdownWaitPeriod <= 0 {
		c.PublisherShutdownWaitPeriod = 10 * time.Second
	}
	if c.DefaultOpcSamplingInterval <= 0 {
		c.DefaultOpcSamplingInterval = 1000 * time.Millisecond
	}
	if c.DefaultOpcPublishingInterval <= 0 {
		c.DefaultOpcPublishingInterval = 1000 * time.Millisecond
	}
	if c.NotifyBufferLen <= 0 {
		c.NotifyBufferLen = 1024
	}
	if c.SubscriptionLifetimeCount == 0 {
		c.SubscriptionLifetimeCount = 60
	}
	if c.SubscriptionMaxKeepAliveCount == 0 {
		c.SubscriptionMaxKeepAliveCount = 20
	}
	if c.ReconcileSafetyInterval <= 0 {
		c.ReconcileSafetyInterval = 5 * time.Second
	}
}

// Manager owns one endpointState per endpoint URL known to the
// Node-Config Store, and a single background goroutine per endpoint
// running the reconciliation loop of spec §4.5.
type Manager struct {
	cfg     Config
	store   *nodeconfig.Store
	factory opcuaclient.Factory
	decrypt CredentialDecrypter
	shaper  *shaper.Shaper
	hub     HubPublisher
	metrics *metrics.Registry
	logger  zerolog.Logger

	// newSession builds the sessionHandle for a newly-seen endpoint.
	// Overridden in tests to drive the reconcile loop against a fake OPC
	// UA server instead of opcuaclient's real *opcua.Client wiring.
	newSession func(url string, logger zerolog.Logger) sessionHandle

	endpointListLock sync.RWMutex // EndpointListLock
	endpoints        map[string]*endpointState

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   atomic.Bool
	shutdown  atomic.Bool
}

// CredentialDecrypter is the narrow view of internal/vault.Vault the
// Manager needs: unwrap an endpoint's stored credential just before
// opening a session, never persisting the plaintext result.
type CredentialDecrypter interface {
	Decrypt(cred domain.EncryptedCredential) (username, password string, err error)
}

// New constructs a Manager. hub and metricsReg may be nil in tests that
// only exercise store diffing; shaper must not be nil.
func New(cfg Config, store *nodeconfig.Store, factory opcuaclient.Factory, decrypt CredentialDecrypter, shp *shaper.Shaper, hub HubPublisher, metricsReg *metrics.Registry, logger zerolog.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:        cfg,
		store:      store,
		factory:    factory,
		decrypt:    decrypt,
		shaper:     shp,
		hub:        hub,
		metrics:    metricsReg,
		logger:     logger.With().Str("component", "subscription-manager").Logger(),
		endpoints:  make(map[string]*endpointState),
		newSession: newSessionHandle,
	}
}

// Start launches the background reconcile goroutines: one per endpoint
// currently known to the store, plus a watcher that spawns one for every
// endpoint added later.
func (m *Manager) Start(ctx context.Context) error {
	if m.started.Swap(true) {
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.watchEndpoints()

	m.logger.Info().Msg("subscription manager started")
	return nil
}

// Stop signals every reconcile goroutine to close its Sessions cleanly
// and return, waiting up to PublisherShutdownWaitPeriod.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.started.Load() {
		return nil
	}
	m.shutdown.Store(true)
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info().Msg("subscription manager stopped")
	case <-time.After(m.cfg.PublisherShutdownWaitPeriod):
		m.logger.Warn().Msg("timed out waiting for reconcile loops to stop")
	case <-ctx.Done():
	}
	m.started.Store(false)
	return nil
}

// baseContext returns the Manager's run context, or context.Background()
// when called before Start (e.g. from a test driving tick() directly).
func (m *Manager) baseContext() context.Context {
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}

// ShuttingDown implements control.ShutdownChecker.
func (m *Manager) ShuttingDown() bool {
	return m.shutdown.Load()
}

// Healthy implements health.Checkable: healthy iff at least one endpoint
// has ever connected, or no endpoint is desired yet.
func (m *Manager) Healthy() bool {
	m.endpointListLock.RLock()
	defer m.endpointListLock.RUnlock()
	if len(m.endpoints) == 0 {
		return true
	}
	for _, ep := range m.endpoints {
		if ep.connected() {
			return true
		}
	}
	return false
}

// ResolverFor implements control.EndpointResolver.
func (m *Manager) ResolverFor(endpointURL string) domain.NamespaceResolver {
	m.endpointListLock.RLock()
	ep, ok := m.endpoints[domain.EndpointKey(endpointURL)]
	m.endpointListLock.RUnlock()
	if !ok {
		return nil
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if !ep.connectedLocked() {
		return nil
	}
	ns := ep.session.NamespaceTable()
	if ns == nil {
		return nil
	}
	return ns
}

// watchEndpoints keeps m.endpoints in sync with the store's known
// endpoint URLs, spawning a reconcile goroutine for each newly seen one.
// It wakes on the store's change signal rather than polling, per §9's
// "message passing where practical" redesign guidance, with
// ReconcileSafetyInterval as a fallback in case a signal is coalesced
// away while a goroutine is mid-tick.
func (m *Manager) watchEndpoints() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ReconcileSafetyInterval)
	defer ticker.Stop()

	m.syncEndpoints()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.store.Changed():
			m.syncEndpoints()
		case <-ticker.C:
			m.syncEndpoints()
		}
	}
}

// syncEndpoints keeps m.endpoints in step with the store's current
// endpoint set in both directions: spawning a reconcile goroutine for
// every newly-seen URL, and, per the Endpoint lifecycle ("destroyed when
// it holds no subscriptions after a reconcile pass"), stopping and
// forgetting any endpoint that has dropped out of the desired model and
// gone idle. An endpoint still draining (subscriptions/items not yet
// reconciled away) is left running; it is picked up again on a later
// call once its own tick has emptied it out.
func (m *Manager) syncEndpoints() {
	urls := m.store.EndpointURLs()
	known := make(map[string]struct{}, len(urls))
	for _, url := range urls {
		known[domain.EndpointKey(url)] = struct{}{}
	}

	m.endpointListLock.Lock()
	for _, url := range urls {
		key := domain.EndpointKey(url)
		if _, exists := m.endpoints[key]; !exists {
			ep := newEndpointState(url, m.logger)
			m.endpoints[key] = ep
			m.wg.Add(1)
			go m.runEndpoint(ep)
		}
	}
	for key, ep := range m.endpoints {
		if _, stillDesired := known[key]; stillDesired {
			continue
		}
		if ep.idle() {
			delete(m.endpoints, key)
			close(ep.stop)
		}
	}
	m.endpointListLock.Unlock()
}

// runEndpoint is the per-endpoint reconcile goroutine (§4.5, §5). It
// wakes on the same store-changed signal as watchEndpoints so a Publish
// lands in the next tick without waiting for the safety interval.
func (m *Manager) runEndpoint(ep *endpointState) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ReconcileSafetyInterval)
	defer ticker.Stop()

	m.tick(ep)
	for {
		select {
		case <-m.ctx.Done():
			m.drainEndpoint(ep)
			return
		case <-ep.stop:
			m.drainEndpoint(ep)
			return
		case <-m.store.Changed():
			m.tick(ep)
		case <-ticker.C:
			m.tick(ep)
		}
	}
}

// drainEndpoint closes the endpoint's session cleanly on shutdown
// (RemoveSubscriptions -> Close, per §5's cancellation contract).
func (m *Manager) drainEndpoint(ep *endpointState) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OpcOperationTimeout)
	defer cancel()

	for _, sub := range ep.subs {
		_ = sub.handle.Cancel(ctx)
	}
	ep.subs = make(map[int64]*subState)

	if ep.session != nil {
		_ = ep.session.Close(ctx)
		ep.session = nil
	}
	ep.state = domain.SessionDisconnected
}
