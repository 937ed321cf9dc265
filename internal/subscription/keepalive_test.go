package subscription

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/opc-publisher/internal/domain"
)

func TestKeepAliveWatchdogIntervalFallsBackWithoutSubscriptions(t *testing.T) {
	m := newTestManager()
	ep := newEndpointState("opc.tcp://plant:4840", zerolog.Nop())

	got := m.keepAliveWatchdogIntervalLocked(ep)
	want := m.cfg.DefaultOpcPublishingInterval*time.Duration(m.cfg.SubscriptionMaxKeepAliveCount)*2 + time.Second
	if got != want {
		t.Fatalf("expected fallback interval %v, got %v", want, got)
	}
}

func TestOnKeepAliveMissDisconnectsAtThreshold(t *testing.T) {
	m := newTestManager()
	m.cfg.OpcKeepAliveDisconnectThreshold = 3
	ep := newEndpointState("opc.tcp://plant:4840", zerolog.Nop())
	ep.state = domain.SessionConnected

	m.onKeepAliveMiss(ep)
	m.onKeepAliveMiss(ep)
	if ep.state != domain.SessionConnected {
		t.Fatalf("expected endpoint to stay connected below the miss threshold, got %s", ep.state)
	}

	m.onKeepAliveMiss(ep)

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.state != domain.SessionDisconnected {
		t.Fatalf("expected the endpoint to be disconnected once the miss threshold is reached, got %s", ep.state)
	}
	if ep.keepAliveMisses != 0 {
		t.Fatalf("expected the miss counter to reset after disconnect, got %d", ep.keepAliveMisses)
	}
}
