package subscription

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/opc-publisher/internal/domain"
)

func newTestManager() *Manager {
	cfg := Config{}
	cfg.applyDefaults()
	return &Manager{
		cfg:    cfg,
		logger: zerolog.Nop(),
	}
}

func valueItem(endpointURL, nodeID string, publishingInterval time.Duration) domain.MonitoredItem {
	id, err := domain.ParseNodeIdentifier(nodeID)
	if err != nil {
		panic(err)
	}
	return domain.MonitoredItem{
		Kind:               domain.KindValue,
		EndpointURL:        endpointURL,
		Identifier:         id,
		DisplayName:        nodeID,
		PublishingInterval: publishingInterval,
	}
}

func TestResolveNamespacesAddsNewItemsAsUnmonitored(t *testing.T) {
	m := newTestManager()
	ep := newEndpointState("opc.tcp://plant:4840", zerolog.Nop())

	desired := []domain.MonitoredItem{valueItem(ep.url, "ns=2;s=Temperature", time.Second)}
	m.resolveNamespaces(ep, desired)

	if len(ep.items) != 1 {
		t.Fatalf("expected 1 tracked item, got %d", len(ep.items))
	}
	for _, item := range ep.items {
		if item.State.Phase != domain.Unmonitored {
			t.Fatalf("expected a freshly-seen item to start Unmonitored, got %s", item.State.Phase)
		}
	}
}

func TestResolveNamespacesMarksVanishedItemsForRemoval(t *testing.T) {
	m := newTestManager()
	ep := newEndpointState("opc.tcp://plant:4840", zerolog.Nop())

	first := []domain.MonitoredItem{valueItem(ep.url, "ns=2;s=Temperature", time.Second)}
	m.resolveNamespaces(ep, first)

	// Desired state now has nothing for this endpoint: unpublished.
	m.resolveNamespaces(ep, nil)

	if len(ep.items) != 1 {
		t.Fatalf("item must stay tracked until removeMonitoredItems runs, got %d", len(ep.items))
	}
	for _, item := range ep.items {
		if item.State.Phase != domain.RemovalRequested {
			t.Fatalf("expected the vanished item to move to RemovalRequested, got %s", item.State.Phase)
		}
	}
}

func TestResolveNamespacesUncancelsReappearingItem(t *testing.T) {
	m := newTestManager()
	ep := newEndpointState("opc.tcp://plant:4840", zerolog.Nop())

	item := valueItem(ep.url, "ns=2;s=Temperature", time.Second)
	m.resolveNamespaces(ep, []domain.MonitoredItem{item})
	m.resolveNamespaces(ep, nil) // marked RemovalRequested
	m.resolveNamespaces(ep, []domain.MonitoredItem{item}) // re-published before removal actually ran

	if len(ep.items) != 1 {
		t.Fatalf("expected 1 tracked item, got %d", len(ep.items))
	}
	for _, it := range ep.items {
		if it.State.Phase != domain.Unmonitored {
			t.Fatalf("expected a re-published item to un-cancel back to Unmonitored, got %s", it.State.Phase)
		}
	}
}

func TestRemoveMonitoredItemsDropsItemsWithNoLiveSubscription(t *testing.T) {
	m := newTestManager()
	ep := newEndpointState("opc.tcp://plant:4840", zerolog.Nop())

	item := valueItem(ep.url, "ns=2;s=Temperature", time.Second)
	key := item.Key()
	item.State.Phase = domain.RemovalRequested
	ep.items[key] = &item

	m.removeMonitoredItems(ep)

	if len(ep.items) != 0 {
		t.Fatalf("expected the item to be dropped even without a live subscription for its interval, got %d left", len(ep.items))
	}
}

func TestPruneSessionIsNoopWithoutASession(t *testing.T) {
	m := newTestManager()
	ep := newEndpointState("opc.tcp://plant:4840", zerolog.Nop())

	// Must not panic when there is nothing to close.
	m.pruneSession(ep)

	if ep.session != nil {
		t.Fatal("expected session to remain nil")
	}
}

func TestPruneSubscriptionsIsNoopWithNoSubscriptions(t *testing.T) {
	m := newTestManager()
	ep := newEndpointState("opc.tcp://plant:4840", zerolog.Nop())

	m.pruneSubscriptions(ep)

	if len(ep.subs) != 0 {
		t.Fatalf("expected no subscriptions, got %d", len(ep.subs))
	}
}
