package subscription

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/opc-publisher/internal/nodeconfig"
)

// TestSyncEndpointsRemovesIdleEndpointDroppedFromDesiredState is the
// regression test for the Endpoint lifecycle: once an endpoint has
// fallen out of the desired model (nothing left published on it) and
// gone idle, syncEndpoints must stop tracking it and signal its
// reconcile goroutine to exit, instead of ticking it forever.
func TestSyncEndpointsRemovesIdleEndpointDroppedFromDesiredState(t *testing.T) {
	m := newTestManager()
	m.store = nodeconfig.NewStore(nodeconfig.Defaults{SamplingInterval: time.Second, PublishingInterval: time.Second})
	m.endpoints = make(map[string]*endpointState)

	ep := newEndpointState("opc.tcp://plant:4840", zerolog.Nop())
	m.endpoints[ep.key] = ep
	stop := ep.stop

	// Nothing is published on the store, so the endpoint is no longer
	// desired; a freshly-constructed endpointState is already idle (no
	// session, no subscriptions, no items).
	m.syncEndpoints()

	if len(m.endpoints) != 0 {
		t.Fatalf("expected the undesired idle endpoint to be removed, got %d", len(m.endpoints))
	}
	select {
	case <-stop:
	default:
		t.Fatal("expected the endpoint's stop channel to be closed")
	}
}

// TestSyncEndpointsKeepsNonIdleEndpointDroppedFromDesiredState ensures a
// dropped endpoint is left running until its own reconcile pass has
// actually drained it, rather than being torn down mid-teardown.
func TestSyncEndpointsKeepsNonIdleEndpointDroppedFromDesiredState(t *testing.T) {
	m := newTestManager()
	m.store = nodeconfig.NewStore(nodeconfig.Defaults{SamplingInterval: time.Second, PublishingInterval: time.Second})
	m.endpoints = make(map[string]*endpointState)

	ep := newEndpointState("opc.tcp://plant:4840", zerolog.Nop())
	ep.session = &fakeSession{connected: true}
	m.endpoints[ep.key] = ep

	m.syncEndpoints()

	if len(m.endpoints) != 1 {
		t.Fatalf("expected a non-idle endpoint to stay registered until it drains, got %d", len(m.endpoints))
	}
	select {
	case <-ep.stop:
		t.Fatal("did not expect stop to be closed for a non-idle endpoint")
	default:
	}
}

// TestSyncEndpointsRegistersNewlyDesiredEndpoint covers the other half
// of syncEndpoints: a URL newly seen in the store gets an endpointState
// and a reconcile goroutine.
func TestSyncEndpointsRegistersNewlyDesiredEndpoint(t *testing.T) {
	m := newTestManager()
	store := nodeconfig.NewStore(nodeconfig.Defaults{SamplingInterval: time.Second, PublishingInterval: time.Second})
	m.store = store
	m.endpoints = make(map[string]*endpointState)
	m.newSession = func(url string, logger zerolog.Logger) sessionHandle { return &fakeSession{} }

	if _, _, err := store.PublishNode("opc.tcp://plant:4840", "ns=2;s=X", nil, nodeconfig.NodeOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	m.syncEndpoints()

	if len(m.endpoints) != 1 {
		t.Fatalf("expected the newly-desired endpoint to be registered, got %d", len(m.endpoints))
	}

	m.endpointListLock.Lock()
	for _, ep := range m.endpoints {
		close(ep.stop) // let the spawned runEndpoint goroutine exit cleanly
	}
	m.endpointListLock.Unlock()
	m.wg.Wait()
}
