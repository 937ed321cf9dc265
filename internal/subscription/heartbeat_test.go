package subscription

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/opc-publisher/internal/domain"
)

type recordingHub struct {
	signal chan struct{}
	values []map[string]interface{}
}

func newRecordingHub() *recordingHub {
	return &recordingHub{signal: make(chan struct{}, 64)}
}

func (h *recordingHub) EnqueueValue(payload map[string]interface{}) bool {
	h.values = append(h.values, payload)
	select {
	case h.signal <- struct{}{}:
	default:
	}
	return true
}

func (h *recordingHub) EnqueueEvent(domain.EventMessageRecord) bool { return true }

func TestArmHeartbeatSkipsEventItems(t *testing.T) {
	m := newTestManager()
	ep := newEndpointState("opc.tcp://plant:4840", zerolog.Nop())

	item := &domain.MonitoredItem{Kind: domain.KindEvent, HeartbeatInterval: time.Millisecond}
	key := domain.ItemKey{NodeID: "ns=2;s=Alarm"}

	m.armHeartbeatLocked(ep, key, item)

	if _, armed := ep.heartbeats[key]; armed {
		t.Fatal("expected no heartbeat timer to be armed for an event item")
	}
}

func TestFireHeartbeatReemitsLastRecordWithFreshTimestamp(t *testing.T) {
	hub := newRecordingHub()
	m := newTestManager()
	m.hub = hub

	ep := newEndpointState("opc.tcp://plant:4840", zerolog.Nop())
	key := domain.ItemKey{NodeID: "ns=2;s=Temperature"}

	original := time.Now().Add(-time.Hour).UTC()
	item := &domain.MonitoredItem{
		Kind:              domain.KindValue,
		HeartbeatInterval: time.Millisecond,
	}
	item.State.Phase = domain.Monitored
	item.State.LastRecord = &domain.MessageDataRecord{
		NodeID:          "ns=2;s=Temperature",
		Value:           "21.5",
		SourceTimestamp: original,
	}
	ep.items[key] = item

	m.fireHeartbeat(ep, key)

	select {
	case <-hub.signal:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the heartbeat to reach the hub")
	}

	if len(hub.values) != 1 {
		t.Fatalf("expected exactly one re-emitted value, got %d", len(hub.values))
	}
	if hub.values[0]["Value"] != "21.5" {
		t.Fatalf("expected the heartbeat to carry the last known value, got %v", hub.values[0]["Value"])
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if item.State.LastRecord.SourceTimestamp.Equal(original) {
		t.Fatal("expected the heartbeat to stamp a fresh SourceTimestamp")
	}
	if _, armed := ep.heartbeats[key]; !armed {
		t.Fatal("expected fireHeartbeat to rearm itself")
	}
}
