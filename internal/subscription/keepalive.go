package subscription

import "time"

// resetKeepAliveWatchdogLocked (re)arms the endpoint's keep-alive watchdog
// and clears its miss counter. Called with ep.mu held, whenever a Session
// connects, a Subscription is created, or any notification (keep-alive or
// otherwise) proves the publish path is alive — anything flowing through
// the pump is evidence the server is still reachable, not just an actual
// keep-alive message.
func (m *Manager) resetKeepAliveWatchdogLocked(ep *endpointState) {
	ep.keepAliveMisses = 0
	if ep.keepAliveWatchdog != nil {
		ep.keepAliveWatchdog.Stop()
	}
	interval := m.keepAliveWatchdogIntervalLocked(ep)
	ep.keepAliveWatchdog = time.AfterFunc(interval, func() { m.onKeepAliveMiss(ep) })
}

// keepAliveWatchdogIntervalLocked derives how long to wait before treating
// silence as a missed keep-alive: the longest revised publishing interval
// across the endpoint's Subscriptions times their keep-alive count, with
// headroom for jitter. No Subscription yet means no one to watch.
func (m *Manager) keepAliveWatchdogIntervalLocked(ep *endpointState) time.Duration {
	longest := time.Duration(0)
	for _, st := range ep.subs {
		d := st.revisedInterval * time.Duration(m.cfg.SubscriptionMaxKeepAliveCount)
		if d > longest {
			longest = d
		}
	}
	if longest == 0 {
		longest = m.cfg.DefaultOpcPublishingInterval * time.Duration(m.cfg.SubscriptionMaxKeepAliveCount)
	}
	return longest*2 + time.Second
}

// onKeepAliveMiss fires on its own goroutine when the watchdog expires
// without having been reset. OpcKeepAliveDisconnectThreshold consecutive
// misses trigger the internal disconnect of §7; otherwise the watchdog is
// simply rearmed.
func (m *Manager) onKeepAliveMiss(ep *endpointState) {
	ep.mu.Lock()
	ep.keepAliveMisses++
	misses := ep.keepAliveMisses
	disconnect := misses >= m.cfg.OpcKeepAliveDisconnectThreshold
	if !disconnect {
		ep.keepAliveWatchdog = time.AfterFunc(m.keepAliveWatchdogIntervalLocked(ep), func() { m.onKeepAliveMiss(ep) })
	}
	ep.mu.Unlock()

	if m.metrics != nil {
		m.metrics.KeepAliveMisses.Inc()
	}
	ep.logger.Warn().Uint32("misses", misses).Msg("missed keep-alive")

	if disconnect {
		ep.logger.Warn().Msg("keep-alive miss threshold exceeded, disconnecting")
		m.disconnectEndpoint(ep)
	}
}
