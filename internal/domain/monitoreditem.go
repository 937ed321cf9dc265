package domain

import "time"

// ItemState is the desired/actual lifecycle state of a Monitored Item
// (§3). The happy path is:
//
//	Unmonitored -> [UnmonitoredNamespaceUpdateRequested] -> Monitored -> RemovalRequested -> <removed>
type ItemState int

const (
	Unmonitored ItemState = iota
	UnmonitoredNamespaceUpdateRequested
	Monitored
	RemovalRequested
)

func (s ItemState) String() string {
	switch s {
	case UnmonitoredNamespaceUpdateRequested:
		return "UnmonitoredNamespaceUpdateRequested"
	case Monitored:
		return "Monitored"
	case RemovalRequested:
		return "RemovalRequested"
	default:
		return "Unmonitored"
	}
}

// ItemKind tags which variant of the MonitoredItem tagged-union is
// populated, replacing the source's NodePublishing/EventPublishing
// inheritance hierarchy (§9).
type ItemKind int

const (
	KindValue ItemKind = iota
	KindEvent
)

// ItemKey is the identity of a Monitored Item (§3): endpoint URL, node
// identifier in canonical form, requested sampling interval and the
// publishing interval of the Subscription that will own it.
type ItemKey struct {
	EndpointURL       string
	NodeID            string // NodeIdentifier.String() of the original form
	SamplingIntervalMS int64
	PublishingIntervalMS int64
}

// MonitoredItem is the desired+actual state for one published node
// (value) or event source (event). Sessions/Subscriptions never hold a
// pointer to one another or to a MonitoredItem's owner; everything is
// looked up by key (§9 "cyclic references" redesign).
type MonitoredItem struct {
	Kind ItemKind

	EndpointURL string
	Identifier  NodeIdentifier

	DisplayName      string
	HeartbeatInterval time.Duration // 0 = off
	SkipFirst        bool
	QueueSize        uint32
	DiscardOldest    bool

	RequestedSamplingInterval time.Duration
	RevisedSamplingInterval   time.Duration
	PublishingInterval        time.Duration

	// Event-only fields (meaningful when Kind == KindEvent).
	SelectClauses []SelectClause
	WhereClauses  []WhereClauseElement

	State State
}

// State is the mutable runtime state of a MonitoredItem, kept separate
// from its identity/config fields so the Manager can replace it wholesale
// on every reconcile pass without losing the desired configuration.
type State struct {
	Phase ItemState

	// ServerHandle is the stack's MonitoredItem id once Phase == Monitored.
	// Zero (and ServerHandleSet == false) whenever Phase != Monitored,
	// enforcing the invariant in §8.
	ServerHandle    uint32
	ServerHandleSet bool

	// ClientHandle is the value this client assigned when creating the
	// item; used to correlate incoming DataChangeNotifications.
	ClientHandle uint32

	SkipFirstPending bool // cleared after the first notification is suppressed

	LastRecord    *MessageDataRecord
	LastEventRecord *EventMessageRecord
	LastSeenAt    time.Time

	// LastError is the most recent permanent node error (e.g.
	// BadNodeIdInvalid) logged for this item; nil when none.
	LastError error
}

// Key returns this item's identity key.
func (m *MonitoredItem) Key() ItemKey {
	return ItemKey{
		EndpointURL:          EndpointKey(m.EndpointURL),
		NodeID:               m.Identifier.String(),
		SamplingIntervalMS:   m.RequestedSamplingInterval.Milliseconds(),
		PublishingIntervalMS: m.PublishingInterval.Milliseconds(),
	}
}

// CanonicalEqual reports whether m and other refer to the same logical
// node on the same endpoint, for idempotency checks on Publish (§8).
func (m *MonitoredItem) CanonicalEqual(other *MonitoredItem, r NamespaceResolver) bool {
	if EndpointKey(m.EndpointURL) != EndpointKey(other.EndpointURL) {
		return false
	}
	return m.Identifier.CanonicalEqual(other.Identifier, r)
}
