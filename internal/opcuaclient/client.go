package opcuaclient

import (
	"context"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/nexus-edge/opc-publisher/internal/domain"
)

// Factory builds an *opcua.Client for one endpoint. The application
// certificate / security-policy handshake (spec.md §1 "Out of scope") is
// baked into the Option set the factory applies; this package only calls
// Connect/Close on the result.
type Factory func(endpointURL string, useSecurity bool, authMode domain.AuthMode, username, password string) (*opcua.Client, error)

// Session wraps one connected *opcua.Client together with the
// NamespaceTable fetched at connect and a circuit breaker guarding repeated
// connect failures, independent of the Subscription Manager's own
// SessionConnectWait backoff (DOMAIN STACK, `internal/opcuaclient`
// session-reconnect guard). Keep-alive misses are observed by the caller
// from each Subscription's notification stream (an OPC UA keep-alive is an
// empty publish response, carried through as a Notification with no Value
// and no EventFields) — this type does not count them itself, since the
// miss threshold and disconnect decision belong to the reconciliation loop.
type Session struct {
	endpointURL string
	logger      zerolog.Logger
	breaker     *gobreaker.CircuitBreaker

	mu     sync.Mutex
	client *opcua.Client
	ns     *NamespaceTable
}

// NewSession constructs an unconnected Session for endpointURL.
func NewSession(endpointURL string, logger zerolog.Logger) *Session {
	l := logger.With().Str("endpoint", endpointURL).Logger()
	return &Session{
		endpointURL: endpointURL,
		logger:      l,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "opcua-connect:" + endpointURL,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				l.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("session connect breaker state change")
			},
		}),
	}
}

// Connect dials endpointURL via factory, opens a session and fetches the
// NamespaceTable. Failures are wrapped in the breaker so a hammering
// reconnect loop degrades to fast-fail instead of repeatedly paying the
// TCP/handshake timeout.
func (s *Session) Connect(ctx context.Context, factory Factory, useSecurity bool, authMode domain.AuthMode, username, password string) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		client, err := factory(s.endpointURL, useSecurity, authMode, username, password)
		if err != nil {
			return nil, err
		}
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}

		ns, err := client.NamespaceArray(ctx)
		if err != nil {
			_ = client.Close(ctx)
			return nil, err
		}

		s.mu.Lock()
		s.client = client
		s.ns = newNamespaceTable(ns)
		s.mu.Unlock()

		s.logger.Info().Int("namespaces", len(ns)).Msg("session connected")
		return nil, nil
	})
	return err
}

// Close cleanly tears down the underlying client. Safe to call on an
// already-closed or never-connected Session.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.ns = nil
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close(ctx)
}

// Connected reports whether the underlying client currently reports itself
// connected.
func (s *Session) Connected() bool {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	return client != nil && client.State() == opcua.Connected
}

// NamespaceTable returns the cached namespace table, or nil before the
// first successful connect.
func (s *Session) NamespaceTable() *NamespaceTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ns
}

// RefreshNamespaceTable re-fetches the namespace array, e.g. after a server
// restart that reordered it. Returns ErrConnectionClosed if not connected.
func (s *Session) RefreshNamespaceTable(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return domain.ErrConnectionClosed
	}

	uris, err := client.NamespaceArray(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.ns == nil {
		s.ns = newNamespaceTable(uris)
	} else {
		s.ns.replace(uris)
	}
	s.mu.Unlock()
	return nil
}

// CreateSubscription opens an OPC UA subscription at publishingInterval.
// notifyBufferLen sizes the raw notification channel; the gopcua stack
// itself drops a publish response if this fills, so it should be generous.
func (s *Session) CreateSubscription(ctx context.Context, publishingInterval time.Duration, lifetimeCount, maxKeepAliveCount uint32, notifyBufferLen int) (*Subscription, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil, domain.ErrConnectionClosed
	}

	notifyCh := make(chan *opcua.PublishNotificationData, notifyBufferLen)
	params := &opcua.SubscriptionParameters{
		Interval:          publishingInterval,
		LifetimeCount:     lifetimeCount,
		MaxKeepAliveCount: maxKeepAliveCount,
	}
	sub, err := client.Subscribe(ctx, params, notifyCh)
	if err != nil {
		return nil, err
	}

	out := &Subscription{
		sub:           sub,
		notifyCh:      notifyCh,
		notifications: make(chan Notification, notifyBufferLen),
		closed:        make(chan struct{}),
	}
	out.Start(ctx)
	return out, nil
}
