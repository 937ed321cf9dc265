package subscription

import (
	"context"
	"fmt"

	"github.com/gopcua/opcua/ua"

	"github.com/nexus-edge/opc-publisher/internal/domain"
	"github.com/nexus-edge/opc-publisher/internal/opcuaclient"
)

// addMonitoredItemsBatchSize is the §4.5 step 4 cap: one CreateMonitoredItems
// call covers at most this many additions.
const addMonitoredItemsBatchSize = 10000

// addMonitoredItems is reconcile step 4: create every item still in
// Unmonitored phase with a resolved identifier, batched per Subscription
// and chunked to addMonitoredItemsBatchSize. A permanent per-item error
// (BadNodeIdInvalid/BadNodeIdUnknown) is recorded on the item and never
// retried; BadSessionIdInvalid/BadSubscriptionIdInvalid triggers an
// immediate internal disconnect of the whole endpoint (§7).
func (m *Manager) addMonitoredItems(ep *endpointState, resolver domain.NamespaceResolver) {
	if resolver == nil {
		return
	}

	type pending struct {
		key  domain.ItemKey
		spec opcuaclient.MonitoredItemSpec
	}
	byInterval := make(map[int64][]pending)

	for key, item := range ep.items {
		if item.State.Phase != domain.Unmonitored {
			continue
		}
		if item.State.LastError != nil {
			continue
		}

		nodeID, err := opcuaclient.ToUANodeID(item.Identifier, resolver)
		if err != nil {
			item.State.LastError = err
			ep.logger.Error().Err(err).Str("node", item.Identifier.String()).Msg("invalid node identifier")
			continue
		}

		st, ok := ep.subs[item.PublishingInterval.Milliseconds()]
		if !ok {
			continue
		}
		handle := st.nextClientHandle()
		item.State.ClientHandle = handle

		sampling := item.RequestedSamplingInterval
		if item.RevisedSamplingInterval > 0 {
			sampling = item.RevisedSamplingInterval
		}

		spec := opcuaclient.MonitoredItemSpec{
			ClientHandle:     handle,
			NodeID:           nodeID,
			Kind:             item.Kind,
			SamplingInterval: float64(sampling.Milliseconds()),
			QueueSize:        item.QueueSize,
			DiscardOldest:    item.DiscardOldest,
			SelectClauses:    item.SelectClauses,
			WhereClauses:     item.WhereClauses,
		}
		byInterval[item.PublishingInterval.Milliseconds()] = append(byInterval[item.PublishingInterval.Milliseconds()], pending{key: key, spec: spec})
	}

	if len(byInterval) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(m.baseContext(), m.cfg.OpcOperationTimeout)
	defer cancel()

	for ms, items := range byInterval {
		st := ep.subs[ms]

		for start := 0; start < len(items); start += addMonitoredItemsBatchSize {
			end := start + addMonitoredItemsBatchSize
			if end > len(items) {
				end = len(items)
			}
			chunk := items[start:end]

			specs := make([]opcuaclient.MonitoredItemSpec, len(chunk))
			for i, p := range chunk {
				specs[i] = p.spec
			}

			results, err := st.handle.AddMonitoredItems(ctx, specs)
			if err != nil {
				ep.logger.Warn().Err(err).Msg("create monitored items failed")
				continue
			}

			for i, res := range results {
				key := chunk[i].key
				item, ok := ep.items[key]
				if !ok {
					continue
				}
				m.applyAddResult(ep, st, key, item, res)
			}
		}
	}
}

func (m *Manager) applyAddResult(ep *endpointState, st *subState, key domain.ItemKey, item *domain.MonitoredItem, res opcuaclient.MonitoredItemResult) {
	switch res.Status {
	case ua.StatusOK:
		item.State.Phase = domain.Monitored
		item.State.ServerHandle = res.ServerHandle
		item.State.ServerHandleSet = true
		item.State.LastError = nil
		st.itemsByHandle[res.ClientHandle] = key
		m.armHeartbeatLocked(ep, key, item)
		if m.metrics != nil {
			m.metrics.MonitoredItems.Inc()
		}

	case ua.StatusCode(domain.StatusBadSessionIDInvalid), ua.StatusCode(domain.StatusBadSubscriptionIDInvalid):
		ep.logger.Warn().Str("node", item.Identifier.String()).Msg("session invalidated while adding monitored item")
		// Deferred: handled by the caller's tick after this pass returns,
		// since mutating ep.subs/ep.session mid-range here would corrupt
		// the iteration this call was made from.
		ep.pendingDisconnect = true

	default:
		item.State.LastError = fmt.Errorf("opcuaclient: add monitored item %s: %s", item.Identifier.String(), domain.SymbolicName(uint32(res.Status)))
		ep.logger.Error().Str("node", item.Identifier.String()).Str("status", domain.SymbolicName(uint32(res.Status))).Msg("permanent monitored item error")
	}
}
