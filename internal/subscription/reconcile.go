package subscription

import (
	"context"
	"time"

	"github.com/nexus-edge/opc-publisher/internal/domain"
)

// ensureSession is reconcile step 1: open a Session if none is live,
// respecting SessionConnectWait between attempts so a down server doesn't
// turn the reconcile loop into a connect-storm.
func (m *Manager) ensureSession(ep *endpointState) {
	if ep.connectedLocked() {
		return
	}
	if !ep.haveEndpoint {
		return
	}
	if !ep.lastConnectAttempt.IsZero() && time.Since(ep.lastConnectAttempt) < m.cfg.SessionConnectWait {
		return
	}
	ep.lastConnectAttempt = time.Now()

	username, password := "", ""
	if ep.endpoint.HasCredential {
		if m.decrypt == nil {
			ep.logger.Error().Msg("endpoint has a credential but no decrypter is configured")
			return
		}
		var err error
		username, password, err = m.decrypt.Decrypt(ep.endpoint.Credential)
		if err != nil {
			ep.logger.Error().Err(err).Msg("credential decrypt failed")
			return
		}
	}

	if ep.session == nil {
		newSession := m.newSession
		if newSession == nil {
			newSession = newSessionHandle
		}
		ep.session = newSession(ep.url, ep.logger)
	}
	ep.state = domain.SessionConnecting

	ctx, cancel := context.WithTimeout(m.baseContext(), m.cfg.OpcOperationTimeout)
	defer cancel()

	if err := ep.session.Connect(ctx, m.factory, ep.endpoint.UseSecurity, ep.endpoint.AuthMode, username, password); err != nil {
		ep.logger.Warn().Err(err).Msg("session connect failed")
		ep.state = domain.SessionDisconnected
		if m.metrics != nil {
			m.metrics.Reconnects.Inc()
		}
		return
	}

	ep.state = domain.SessionConnected
	if m.metrics != nil {
		m.metrics.SessionsConnected.Inc()
	}
	m.resetKeepAliveWatchdogLocked(ep)
	ep.logger.Info().Msg("endpoint connected")
}

// resolveNamespaces is reconcile step 2: diff the desired item list against
// ep.items by identity key, then resolve every NodeId form to its
// namespace URI so later steps can build wire NodeIDs and compare
// canonical identity. Items no longer present in desired move to
// RemovalRequested rather than being deleted outright, so step 5 still
// gets a chance to unmonitor them server-side first.
func (m *Manager) resolveNamespaces(ep *endpointState, desired []domain.MonitoredItem) domain.NamespaceResolver {
	seen := make(map[domain.ItemKey]struct{}, len(desired))
	for i := range desired {
		d := desired[i]
		key := d.Key()
		seen[key] = struct{}{}

		existing, ok := ep.items[key]
		if !ok {
			item := d
			item.State = domain.State{Phase: domain.Unmonitored, SkipFirstPending: d.SkipFirst}
			ep.items[key] = &item
			continue
		}
		if existing.State.Phase == domain.RemovalRequested {
			// A Publish raced a pending removal of the same key; un-cancel it.
			existing.State.Phase = domain.Unmonitored
		}
		existing.DisplayName = d.DisplayName
		existing.HeartbeatInterval = d.HeartbeatInterval
		existing.SelectClauses = d.SelectClauses
		existing.WhereClauses = d.WhereClauses
	}

	for key, item := range ep.items {
		if _, ok := seen[key]; !ok && item.State.Phase != domain.RemovalRequested {
			item.State.Phase = domain.RemovalRequested
		}
	}

	var resolver domain.NamespaceResolver
	if ep.session != nil {
		if ns := ep.session.NamespaceTable(); ns != nil {
			resolver = ns
		}
	}
	if resolver == nil {
		return nil
	}

	for _, item := range ep.items {
		switch item.State.Phase {
		case domain.Unmonitored:
			if item.Identifier.NeedsNamespaceResolution() {
				if resolved, ok := item.Identifier.Canonicalize(resolver); ok {
					item.Identifier = resolved
				} else {
					item.State.Phase = domain.UnmonitoredNamespaceUpdateRequested
				}
			}
		case domain.UnmonitoredNamespaceUpdateRequested:
			if resolved, ok := item.Identifier.Canonicalize(resolver); ok {
				item.Identifier = resolved
				item.State.Phase = domain.Unmonitored
			}
		}
	}
	return resolver
}

// ensureSubscriptions is reconcile step 3: make sure every publishing
// interval still in demand has a live Subscription, creating one per
// distinct interval (§3).
func (m *Manager) ensureSubscriptions(ep *endpointState) {
	needed := make(map[int64]struct{})
	for _, item := range ep.items {
		if item.State.Phase == domain.RemovalRequested {
			continue
		}
		needed[item.PublishingInterval.Milliseconds()] = struct{}{}
	}

	ctx, cancel := context.WithTimeout(m.baseContext(), m.cfg.OpcOperationTimeout)
	defer cancel()

	for ms := range needed {
		if _, ok := ep.subs[ms]; ok {
			continue
		}
		interval := time.Duration(ms) * time.Millisecond
		handle, err := ep.session.CreateSubscription(ctx, interval, m.cfg.SubscriptionLifetimeCount, m.cfg.SubscriptionMaxKeepAliveCount, m.cfg.NotifyBufferLen)
		if err != nil {
			ep.logger.Warn().Err(err).Int64("publishingIntervalMs", ms).Msg("create subscription failed")
			continue
		}
		st := newSubState(handle, ms)
		ep.subs[ms] = st
		if m.metrics != nil {
			m.metrics.Subscriptions.Inc()
		}
		m.wg.Add(1)
		go m.pumpNotifications(ep, st)
		m.resetKeepAliveWatchdogLocked(ep)
	}
}

// removeMonitoredItems is reconcile step 5: unmonitor every item whose
// Phase is RemovalRequested, one batch per Subscription, then drop it from
// ep.items entirely.
func (m *Manager) removeMonitoredItems(ep *endpointState) {
	byInterval := make(map[int64][]domain.ItemKey)
	for key, item := range ep.items {
		if item.State.Phase == domain.RemovalRequested {
			byInterval[item.PublishingInterval.Milliseconds()] = append(byInterval[item.PublishingInterval.Milliseconds()], key)
		}
	}
	if len(byInterval) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(m.baseContext(), m.cfg.OpcOperationTimeout)
	defer cancel()

	for ms, keys := range byInterval {
		st, ok := ep.subs[ms]
		if !ok {
			for _, key := range keys {
				m.disarmHeartbeatLocked(ep, key)
				delete(ep.items, key)
			}
			continue
		}

		var handles []uint32
		for _, key := range keys {
			item := ep.items[key]
			if item.State.ServerHandleSet {
				handles = append(handles, item.State.ServerHandle)
			}
		}
		if len(handles) > 0 {
			if err := st.handle.RemoveMonitoredItems(ctx, handles); err != nil {
				ep.logger.Warn().Err(err).Msg("remove monitored items failed")
				continue
			}
		}
		for _, key := range keys {
			item := ep.items[key]
			if item.State.ServerHandleSet {
				delete(st.itemsByHandle, item.State.ClientHandle)
			}
			m.disarmHeartbeatLocked(ep, key)
			delete(ep.items, key)
		}
		if m.metrics != nil {
			m.metrics.MonitoredItems.Set(float64(len(ep.items)))
		}
	}
}

// pruneSubscriptions is reconcile step 6: cancel and forget any
// Subscription that no item references any more.
func (m *Manager) pruneSubscriptions(ep *endpointState) {
	inUse := make(map[int64]struct{})
	for _, item := range ep.items {
		inUse[item.PublishingInterval.Milliseconds()] = struct{}{}
	}

	ctx, cancel := context.WithTimeout(m.baseContext(), m.cfg.OpcOperationTimeout)
	defer cancel()

	for ms, st := range ep.subs {
		if _, ok := inUse[ms]; ok {
			continue
		}
		if err := st.handle.Cancel(ctx); err != nil {
			ep.logger.Warn().Err(err).Int64("publishingIntervalMs", ms).Msg("cancel subscription failed")
		}
		delete(ep.subs, ms)
		if m.metrics != nil {
			m.metrics.Subscriptions.Dec()
		}
	}
}

// pruneSession is reconcile step 7: close the Session once it holds no
// Subscriptions, so an endpoint fully unpublished stops consuming a
// connection. Running after ensureSubscriptions/step 3 in the same tick
// keeps a just-connected session with fresh demand from being pruned
// before it has had a chance to grow a Subscription.
func (m *Manager) pruneSession(ep *endpointState) {
	if len(ep.subs) > 0 || len(ep.items) > 0 {
		return
	}
	if ep.session == nil {
		return
	}

	ctx, cancel := context.WithTimeout(m.baseContext(), m.cfg.OpcOperationTimeout)
	defer cancel()

	ep.state = domain.SessionDisconnecting
	if err := ep.session.Close(ctx); err != nil {
		ep.logger.Warn().Err(err).Msg("session close failed")
	}
	ep.session = nil
	ep.state = domain.SessionDisconnected
	if ep.keepAliveWatchdog != nil {
		ep.keepAliveWatchdog.Stop()
		ep.keepAliveWatchdog = nil
	}
	if m.metrics != nil {
		m.metrics.SessionsConnected.Dec()
	}
	ep.logger.Info().Msg("endpoint idle, session closed")
}

// disconnectEndpoint performs the internal disconnect of §7 from a caller
// that does not already hold ep.mu (e.g. the keep-alive watchdog firing on
// its own goroutine).
func (m *Manager) disconnectEndpoint(ep *endpointState) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	m.disconnectEndpointLocked(ep)
}

// disconnectEndpointLocked is the BadSessionIdInvalid/BadSubscriptionIdInvalid
// internal disconnect of §7, for callers already holding ep.mu (reconcile
// step 4 detects these per-item on the AddMonitoredItems response). The
// whole Session is assumed gone server-side, so every Subscription/item is
// reset to Unmonitored and lastConnectAttempt is zeroed so the very next
// tick reconnects immediately instead of waiting out SessionConnectWait.
func (m *Manager) disconnectEndpointLocked(ep *endpointState) {
	ctx, cancel := context.WithTimeout(m.baseContext(), m.cfg.OpcOperationTimeout)
	defer cancel()

	for _, st := range ep.subs {
		_ = st.handle.Cancel(ctx)
	}
	ep.subs = make(map[int64]*subState)

	if ep.session != nil {
		_ = ep.session.Close(ctx)
		ep.session = nil
	}
	ep.state = domain.SessionDisconnected
	ep.lastConnectAttempt = time.Time{}

	for _, item := range ep.items {
		if item.State.Phase == domain.RemovalRequested {
			continue
		}
		item.State.Phase = domain.Unmonitored
		item.State.ServerHandle = 0
		item.State.ServerHandleSet = false
		item.State.SkipFirstPending = item.SkipFirst
	}

	if ep.keepAliveWatchdog != nil {
		ep.keepAliveWatchdog.Stop()
		ep.keepAliveWatchdog = nil
	}
	ep.keepAliveMisses = 0

	if m.metrics != nil {
		m.metrics.SessionsConnected.Dec()
		m.metrics.Reconnects.Inc()
	}
	ep.logger.Warn().Msg("endpoint session invalidated by server, forcing reconnect")
}
