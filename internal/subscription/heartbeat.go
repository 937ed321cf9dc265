package subscription

import (
	"time"

	"github.com/nexus-edge/opc-publisher/internal/domain"
)

// armHeartbeatLocked (re)starts key's heartbeat timer. Called with ep.mu
// held, both right after an item becomes Monitored and after every real
// notification, so the timer always measures time since the last value
// seen rather than since the item was created.
func (m *Manager) armHeartbeatLocked(ep *endpointState, key domain.ItemKey, item *domain.MonitoredItem) {
	if item.HeartbeatInterval <= 0 || item.Kind == domain.KindEvent {
		return
	}
	if t, ok := ep.heartbeats[key]; ok {
		t.Stop()
	}
	ep.heartbeats[key] = time.AfterFunc(item.HeartbeatInterval, func() { m.fireHeartbeat(ep, key) })
}

// disarmHeartbeatLocked stops and forgets key's heartbeat timer, e.g. when
// the item is removed.
func (m *Manager) disarmHeartbeatLocked(ep *endpointState, key domain.ItemKey) {
	if t, ok := ep.heartbeats[key]; ok {
		t.Stop()
		delete(ep.heartbeats, key)
	}
}

// fireHeartbeat re-emits the last known value for key with a fresh
// timestamp, per §4.4's "Heartbeat" rule, then rearms itself. Runs on its
// own goroutine (time.AfterFunc), so it takes ep.mu itself rather than
// assuming it is held.
func (m *Manager) fireHeartbeat(ep *endpointState, key domain.ItemKey) {
	ep.mu.Lock()
	item, ok := ep.items[key]
	if !ok || item.State.Phase != domain.Monitored || item.HeartbeatInterval <= 0 {
		ep.mu.Unlock()
		return
	}
	last := item.State.LastRecord
	if last == nil {
		m.armHeartbeatLocked(ep, key, item)
		ep.mu.Unlock()
		return
	}
	rec := last.Clone()
	rec.SourceTimestamp = time.Now().UTC()
	item.State.LastRecord = &rec
	m.armHeartbeatLocked(ep, key, item)
	ep.mu.Unlock()

	m.emitValue(rec)
	if m.metrics != nil {
		m.metrics.HeartbeatsEmitted.Inc()
	}
}
