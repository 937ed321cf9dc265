package subscription

import (
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/opc-publisher/internal/domain"
	"github.com/nexus-edge/opc-publisher/internal/opcuaclient"
)

type fakeResolver struct {
	uriByIndex map[uint16]string
	indexByURI map[string]uint16
}

func (r fakeResolver) URIForIndex(index uint16) (string, bool) { v, ok := r.uriByIndex[index]; return v, ok }
func (r fakeResolver) IndexForURI(uri string) (uint16, bool)   { v, ok := r.indexByURI[uri]; return v, ok }

func TestBothNodeIDFormsFromPlainNodeID(t *testing.T) {
	id, err := domain.ParseNodeIdentifier("ns=2;s=Temperature")
	if err != nil {
		t.Fatalf("ParseNodeIdentifier: %v", err)
	}
	resolver := fakeResolver{
		uriByIndex: map[uint16]string{2: "urn:example:line1"},
		indexByURI: map[string]uint16{"urn:example:line1": 2},
	}

	nodeID, expanded := bothNodeIDForms(id, resolver)
	if nodeID != "ns=2;s=Temperature" {
		t.Fatalf("unexpected NodeId form: %q", nodeID)
	}
	if expanded != "nsu=urn:example:line1;s=Temperature" {
		t.Fatalf("unexpected ExpandedNodeId form: %q", expanded)
	}
}

func TestBothNodeIDFormsWithoutResolverLeavesComplementBlank(t *testing.T) {
	id, err := domain.ParseNodeIdentifier("ns=2;s=Temperature")
	if err != nil {
		t.Fatalf("ParseNodeIdentifier: %v", err)
	}

	nodeID, expanded := bothNodeIDForms(id, nil)
	if nodeID != "ns=2;s=Temperature" {
		t.Fatalf("unexpected NodeId form: %q", nodeID)
	}
	if expanded != "" {
		t.Fatalf("expected no ExpandedNodeId without a resolver, got %q", expanded)
	}
}

func TestBothNodeIDFormsFromExpandedNodeID(t *testing.T) {
	id, err := domain.ParseNodeIdentifier("nsu=urn:example:line1;s=Temperature")
	if err != nil {
		t.Fatalf("ParseNodeIdentifier: %v", err)
	}
	resolver := fakeResolver{
		uriByIndex: map[uint16]string{2: "urn:example:line1"},
		indexByURI: map[string]uint16{"urn:example:line1": 2},
	}

	nodeID, expanded := bothNodeIDForms(id, resolver)
	if expanded != "nsu=urn:example:line1;s=Temperature" {
		t.Fatalf("unexpected ExpandedNodeId form: %q", expanded)
	}
	if nodeID != "ns=2;s=Temperature" {
		t.Fatalf("unexpected NodeId form: %q", nodeID)
	}
}

func TestIsNumericOrBool(t *testing.T) {
	cases := []struct {
		v    interface{}
		want bool
	}{
		{int32(42), true},
		{float64(3.14), true},
		{true, true},
		{"hello", false},
		{[]byte("x"), false},
		{nil, false},
	}
	for _, c := range cases {
		if got := isNumericOrBool(c.v); got != c.want {
			t.Errorf("isNumericOrBool(%#v) = %v, want %v", c.v, got, c.want)
		}
	}
}

type stubHub struct {
	accept     bool
	gotValue   map[string]interface{}
	gotEvent   domain.EventMessageRecord
	enqueued   int
}

func (s *stubHub) EnqueueValue(payload map[string]interface{}) bool {
	s.gotValue = payload
	s.enqueued++
	return s.accept
}

func (s *stubHub) EnqueueEvent(rec domain.EventMessageRecord) bool {
	s.gotEvent = rec
	s.enqueued++
	return s.accept
}

func TestEmitValueFallsBackToRawValueWithoutAShaper(t *testing.T) {
	hub := &stubHub{accept: true}
	m := newTestManager()
	m.hub = hub

	m.emitValue(domain.MessageDataRecord{EndpointURL: "opc.tcp://plant:4840", Value: "42"})

	if hub.gotValue["Value"] != "42" {
		t.Fatalf("expected the fallback payload to carry the raw value, got %v", hub.gotValue)
	}
}

func TestEmitValueDoesNotPanicWhenHubRejects(t *testing.T) {
	hub := &stubHub{accept: false}
	m := newTestManager()
	m.hub = hub

	m.emitValue(domain.MessageDataRecord{EndpointURL: "opc.tcp://plant:4840", Value: "42"})

	if hub.enqueued != 1 {
		t.Fatalf("expected exactly one enqueue attempt, got %d", hub.enqueued)
	}
}

// TestHandleNotificationSkipsHeartbeatArmForSuppressedStatus is the
// regression test for a suppressed-status notification producing zero
// hub records *and* leaving the heartbeat timer untouched: arming it
// would reset the clock on a value the subscriber never actually saw.
func TestHandleNotificationSkipsHeartbeatArmForSuppressedStatus(t *testing.T) {
	m := newTestManager()
	suppressed, err := domain.ParseStatusCodeSet("BadNoCommunication")
	if err != nil {
		t.Fatalf("ParseStatusCodeSet: %v", err)
	}
	m.cfg.SuppressedStatusCodes = suppressed
	hub := &stubHub{accept: true}
	m.hub = hub

	ep := newEndpointState("opc.tcp://plant:4840", zerolog.Nop())
	item := valueItem(ep.url, "ns=2;s=Temperature", time.Second)
	item.HeartbeatInterval = time.Minute
	item.State.Phase = domain.Monitored
	key := item.Key()
	ep.items[key] = &item

	st := &subState{itemsByHandle: map[uint32]domain.ItemKey{7: key}}

	variant, err := ua.NewVariant(int32(42))
	if err != nil {
		t.Fatalf("ua.NewVariant: %v", err)
	}
	n := opcuaclient.Notification{
		ClientHandle: 7,
		Value: &ua.DataValue{
			Value:           variant,
			Status:          ua.StatusCode(domain.StatusBadNoCommunication),
			SourceTimestamp: time.Now(),
		},
	}

	m.handleNotification(ep, st, n)

	if hub.enqueued != 0 {
		t.Fatalf("expected a suppressed-status notification to reach zero hub records, got %d enqueue attempts", hub.enqueued)
	}
	if _, armed := ep.heartbeats[key]; armed {
		t.Fatal("expected a suppressed-status notification not to (re)arm the heartbeat timer")
	}
}

func TestEmitEventReachesHub(t *testing.T) {
	hub := &stubHub{accept: true}
	m := newTestManager()
	m.hub = hub

	rec := domain.EventMessageRecord{EndpointURL: "opc.tcp://plant:4840", NodeID: "ns=2;s=Alarms"}
	m.emitEvent(rec)

	if hub.gotEvent.NodeID != "ns=2;s=Alarms" {
		t.Fatalf("expected the event record to reach the hub unchanged, got %+v", hub.gotEvent)
	}
}
