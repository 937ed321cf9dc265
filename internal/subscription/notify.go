package subscription

import (
	"fmt"
	"strings"
	"time"

	"github.com/nexus-edge/opc-publisher/internal/domain"
	"github.com/nexus-edge/opc-publisher/internal/opcuaclient"
)

// pumpNotifications drains one Subscription's notification channel for the
// lifetime of the process or until the channel is closed (Subscription
// cancelled). It never holds ep.mu across the receive, only while mutating
// shared state in handleNotification.
func (m *Manager) pumpNotifications(ep *endpointState, st *subState) {
	defer m.wg.Done()
	for n := range st.handle.Notifications() {
		m.handleNotification(ep, st, n)
	}
}

func (m *Manager) handleNotification(ep *endpointState, st *subState, n opcuaclient.Notification) {
	if m.metrics != nil {
		m.metrics.NotificationsReceived.Inc()
	}

	ep.mu.Lock()
	m.resetKeepAliveWatchdogLocked(ep)

	if n.KeepAlive {
		ep.mu.Unlock()
		return
	}
	if n.Error != nil {
		ep.mu.Unlock()
		ep.logger.Debug().Err(n.Error).Msg("notification delivery error")
		return
	}

	key, ok := st.itemsByHandle[n.ClientHandle]
	if !ok {
		ep.mu.Unlock()
		return
	}
	item, ok := ep.items[key]
	if !ok || item.State.Phase != domain.Monitored {
		ep.mu.Unlock()
		return
	}

	skip := item.State.SkipFirstPending
	item.State.SkipFirstPending = false
	item.State.LastSeenAt = time.Now()

	var resolver domain.NamespaceResolver
	if ep.session != nil {
		resolver = ep.session.NamespaceTable()
	}

	var valueRec *domain.MessageDataRecord
	var eventRec *domain.EventMessageRecord
	var suppressed bool

	if item.Kind == domain.KindEvent {
		rec := m.buildEventRecord(ep, item, n)
		item.State.LastEventRecord = rec
		eventRec = rec
	} else {
		rec, status := m.buildValueRecord(ep, item, n, resolver)
		if rec != nil {
			item.State.LastRecord = rec
		}
		suppressed = m.cfg.SuppressedStatusCodes.Contains(status)
		valueRec = rec
	}
	if !suppressed {
		m.armHeartbeatLocked(ep, key, item)
	}
	ep.mu.Unlock()

	if skip {
		return
	}
	if suppressed {
		if m.metrics != nil {
			m.metrics.NotificationsSuppressed.Inc()
		}
		return
	}

	if valueRec != nil {
		m.emitValue(*valueRec)
	}
	if eventRec != nil {
		m.emitEvent(*eventRec)
	}
}

func (m *Manager) buildValueRecord(ep *endpointState, item *domain.MonitoredItem, n opcuaclient.Notification, resolver domain.NamespaceResolver) (*domain.MessageDataRecord, uint32) {
	if n.Value == nil {
		return nil, 0
	}

	var raw string
	preserveQuotes := true
	if n.Value.Value != nil {
		v := n.Value.Value.Value()
		raw = fmt.Sprintf("%v", v)
		preserveQuotes = !isNumericOrBool(v)
	}
	status := uint32(n.Value.Status)

	nodeIDStr, expandedStr := bothNodeIDForms(item.Identifier, resolver)
	rec := &domain.MessageDataRecord{
		EndpointURL:     ep.url,
		NodeID:          nodeIDStr,
		ExpandedNodeID:  expandedStr,
		DisplayName:     item.DisplayName,
		Value:           raw,
		SourceTimestamp: n.Value.SourceTimestamp,
		StatusCode:      status,
		Status:          domain.SymbolicName(status),
		PreserveQuotes:  preserveQuotes,
	}
	return rec, status
}

func (m *Manager) buildEventRecord(ep *endpointState, item *domain.MonitoredItem, n opcuaclient.Notification) *domain.EventMessageRecord {
	fields := make(map[string]string, len(n.EventFields))
	for i, v := range n.EventFields {
		name := fmt.Sprintf("Field%d", i)
		if i < len(item.SelectClauses) && len(item.SelectClauses[i].BrowsePath) > 0 {
			name = strings.Join(item.SelectClauses[i].BrowsePath, ".")
		}
		if v != nil {
			fields[name] = fmt.Sprintf("%v", v.Value())
		} else {
			fields[name] = ""
		}
	}

	return &domain.EventMessageRecord{
		EndpointURL: ep.url,
		NodeID:      item.Identifier.String(),
		DisplayName: item.DisplayName,
		Fields:      fields,
		ReceivedAt:  time.Now().UTC(),
	}
}

// bothNodeIDForms renders both textual forms of id when resolver makes the
// other one computable, so MessageDataRecord carries NodeId and
// ExpandedNodeId the way §3 describes regardless of which form the item
// was originally published under.
func bothNodeIDForms(id domain.NodeIdentifier, resolver domain.NamespaceResolver) (nodeIDStr, expandedStr string) {
	switch id.Form {
	case domain.FormExpandedNodeID:
		expandedStr = id.String()
		if resolver != nil {
			if idx, ok := resolver.IndexForURI(id.NamespaceURI); ok {
				nodeIDStr = domain.NodeIdentifier{Form: domain.FormNodeID, NamespaceIndex: idx, Identifier: id.Identifier}.String()
			}
		}
	default:
		nodeIDStr = id.String()
		if resolver != nil {
			if uri, ok := resolver.URIForIndex(id.NamespaceIndex); ok {
				expandedStr = domain.NodeIdentifier{Form: domain.FormExpandedNodeID, NamespaceURI: uri, Identifier: id.Identifier}.String()
			}
		}
	}
	return
}

func isNumericOrBool(v interface{}) bool {
	switch v.(type) {
	case bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}

// emitValue shapes rec with the Telemetry Shaper (if configured) and hands
// it to the Hub Sender, counting a drop if the queue refuses it.
func (m *Manager) emitValue(rec domain.MessageDataRecord) {
	if m.hub == nil {
		return
	}
	var payload map[string]interface{}
	if m.shaper != nil {
		payload = m.shaper.Apply(rec, rec.EndpointURL)
	} else {
		payload = map[string]interface{}{"Value": rec.Value}
	}
	if !m.hub.EnqueueValue(payload) {
		if m.metrics != nil {
			m.metrics.NotificationsDropped.Inc()
			m.metrics.MissedMessageCount.Inc()
		}
	}
}

func (m *Manager) emitEvent(rec domain.EventMessageRecord) {
	if m.hub == nil {
		return
	}
	if !m.hub.EnqueueEvent(rec) {
		if m.metrics != nil {
			m.metrics.NotificationsDropped.Inc()
			m.metrics.MissedMessageCount.Inc()
		}
	}
}
