package opcuaclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"

	"github.com/nexus-edge/opc-publisher/internal/domain"
)

// Notification is one parsed incoming publish payload, already demultiplexed
// to the client handle that created its Monitored Item. Exactly one of
// Value / EventFields is meaningful, matching the item's domain.ItemKind.
type Notification struct {
	ClientHandle uint32
	Value        *ua.DataValue
	EventFields  []*ua.Variant
	Error        error

	// KeepAlive is true for an empty publish response carrying no
	// notification payload — the OPC UA keep-alive signal (§4.5's
	// MissedKeepAlives counter is driven off the absence of these).
	KeepAlive bool
}

// Subscription wraps one *opcua.Subscription plus the translation from raw
// stack notifications to the Notification shape the Subscription Manager
// consumes. Items are tracked by client handle only — never by pointer back
// to their owning Subscription (§9 "cyclic references" redesign).
type Subscription struct {
	sub           *opcua.Subscription
	notifyCh      chan *opcua.PublishNotificationData
	notifications chan Notification
	closed        chan struct{}
	closeOnce     sync.Once
}

// ID returns the server-assigned subscription id.
func (s *Subscription) ID() uint32 {
	return s.sub.SubscriptionID
}

// RevisedInterval returns the publishing interval the server actually
// granted (may differ from what was requested).
func (s *Subscription) RevisedInterval() time.Duration {
	return s.sub.RevisedPublishingInterval
}

// Notifications returns the channel of demultiplexed notifications. The
// caller (internal/subscription) owns draining it promptly — the stack
// callback thread feeding notifyCh must never block.
func (s *Subscription) Notifications() <-chan Notification {
	return s.notifications
}

// Start launches the background pump translating raw stack notifications.
// Must be called once per Subscription after creation.
func (s *Subscription) Start(ctx context.Context) {
	go s.pump(ctx)
}

func (s *Subscription) pump(ctx context.Context) {
	defer close(s.notifications)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case msg, ok := <-s.notifyCh:
			if !ok {
				return
			}
			if msg.Error != nil {
				s.deliver(Notification{Error: msg.Error})
				continue
			}
			switch v := msg.Value.(type) {
			case nil:
				s.deliver(Notification{KeepAlive: true})
			case *ua.DataChangeNotification:
				for _, item := range v.MonitoredItems {
					s.deliver(Notification{ClientHandle: item.ClientHandle, Value: item.Value})
				}
			case *ua.EventNotificationList:
				for _, event := range v.Events {
					s.deliver(Notification{ClientHandle: event.ClientHandle, EventFields: event.EventFields})
				}
			default:
				s.deliver(Notification{Error: fmt.Errorf("opcuaclient: unrecognised notification type %T", msg.Value)})
			}
		}
	}
}

func (s *Subscription) deliver(n Notification) {
	select {
	case s.notifications <- n:
	case <-s.closed:
	}
}

// Cancel tears down the subscription on the server and stops the pump.
func (s *Subscription) Cancel(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.sub.Cancel(ctx)
}

// MonitoredItemSpec is everything needed to create one server-side
// Monitored Item (§4.5 step 4).
type MonitoredItemSpec struct {
	ClientHandle     uint32
	NodeID           *ua.NodeID
	Kind             domain.ItemKind
	SamplingInterval float64 // milliseconds
	QueueSize        uint32
	DiscardOldest    bool
	SelectClauses    []domain.SelectClause
	WhereClauses     []domain.WhereClauseElement
}

// MonitoredItemResult reports the server's outcome for one create request.
type MonitoredItemResult struct {
	ClientHandle uint32
	ServerHandle uint32
	Status       ua.StatusCode
}

// AddMonitoredItems batches one CreateMonitoredItems call for every spec,
// per §4.5 step 4's "one batch per 10,000 additions" rule (the caller is
// responsible for chunking specs into groups of that size before calling).
func (s *Subscription) AddMonitoredItems(ctx context.Context, specs []MonitoredItemSpec) ([]MonitoredItemResult, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	requests := make([]*ua.MonitoredItemCreateRequest, len(specs))
	for i, spec := range specs {
		attrID := ua.AttributeIDValue
		if spec.Kind == domain.KindEvent {
			attrID = ua.AttributeIDEventNotifier
		}

		req := &ua.MonitoredItemCreateRequest{
			ItemToMonitor: &ua.ReadValueID{
				NodeID:      spec.NodeID,
				AttributeID: attrID,
			},
			MonitoringMode: ua.MonitoringModeReporting,
			RequestedParameters: &ua.MonitoringParameters{
				ClientHandle:     spec.ClientHandle,
				SamplingInterval: spec.SamplingInterval,
				QueueSize:        spec.QueueSize,
				DiscardOldest:    spec.DiscardOldest,
			},
		}

		if spec.Kind == domain.KindEvent {
			filter, err := buildEventFilter(spec.SelectClauses, spec.WhereClauses)
			if err != nil {
				return nil, fmt.Errorf("opcuaclient: building event filter: %w", err)
			}
			req.RequestedParameters.Filter = filter
		}

		requests[i] = req
	}

	resp, err := s.sub.Monitor(ctx, ua.TimestampsToReturnBoth, requests...)
	if err != nil {
		return nil, err
	}
	if len(resp.Results) != len(requests) {
		return nil, fmt.Errorf("opcuaclient: monitor response length mismatch: got %d want %d", len(resp.Results), len(requests))
	}

	out := make([]MonitoredItemResult, len(resp.Results))
	for i, res := range resp.Results {
		out[i] = MonitoredItemResult{
			ClientHandle: specs[i].ClientHandle,
			ServerHandle: res.MonitoredItemID,
			Status:       res.StatusCode,
		}
	}
	return out, nil
}

// RemoveMonitoredItems batches one Unmonitor call for the given server
// handles (§4.5 step 5).
func (s *Subscription) RemoveMonitoredItems(ctx context.Context, serverHandles []uint32) error {
	if len(serverHandles) == 0 {
		return nil
	}
	resp, err := s.sub.Unmonitor(ctx, serverHandles...)
	if err != nil {
		return err
	}
	for _, status := range resp.Results {
		if status != ua.StatusOK {
			return status
		}
	}
	return nil
}

// buildEventFilter translates the domain's tagged-variant select/where
// clauses into the wire EventFilter, wrapped as an ExtensionObject the way
// DataChangeFilter is wrapped elsewhere in the pack's gopcua usage.
func buildEventFilter(selects []domain.SelectClause, wheres []domain.WhereClauseElement) (*ua.ExtensionObject, error) {
	selectOperands := make([]*ua.SimpleAttributeOperand, 0, len(selects))
	for _, sel := range selects {
		var typeDef *ua.NodeID
		if sel.TypeDefinitionID != "" {
			nid, err := ua.ParseNodeID(sel.TypeDefinitionID)
			if err != nil {
				return nil, fmt.Errorf("select clause type definition: %w", err)
			}
			typeDef = nid
		}
		attrID := sel.AttributeID
		if attrID == 0 {
			attrID = ua.AttributeIDValue
		}
		selectOperands = append(selectOperands, &ua.SimpleAttributeOperand{
			TypeDefinitionID: typeDef,
			BrowsePath:       qualifiedNamePath(sel.BrowsePath),
			AttributeID:      attrID,
			IndexRange:       sel.IndexRange,
		})
	}

	elements := make([]*ua.ContentFilterElement, 0, len(wheres))
	for _, where := range wheres {
		operands := make([]*ua.ExtensionObject, 0, len(where.Operands))
		for _, op := range where.Operands {
			wrapped, err := wrapOperand(op)
			if err != nil {
				return nil, err
			}
			operands = append(operands, wrapped)
		}
		elements = append(elements, &ua.ContentFilterElement{
			FilterOperator: filterOperatorCode(where.Operator),
			FilterOperands: operands,
		})
	}

	return &ua.ExtensionObject{
		TypeID: ua.NewFourByteExpandedNodeID(0, id.EventFilter_Encoding_DefaultBinary),
		Value: &ua.EventFilter{
			SelectClauses: selectOperands,
			WhereClause:   &ua.ContentFilter{Elements: elements},
		},
	}, nil
}

func wrapOperand(op domain.Operand) (*ua.ExtensionObject, error) {
	switch op.Kind {
	case domain.OperandElement:
		return &ua.ExtensionObject{
			TypeID: ua.NewFourByteExpandedNodeID(0, id.ElementOperand_Encoding_DefaultBinary),
			Value:  &ua.ElementOperand{Index: op.Element},
		}, nil
	case domain.OperandLiteral:
		variant, err := ua.NewVariant(op.Literal)
		if err != nil {
			return nil, fmt.Errorf("literal operand value: %w", err)
		}
		return &ua.ExtensionObject{
			TypeID: ua.NewFourByteExpandedNodeID(0, id.LiteralOperand_Encoding_DefaultBinary),
			Value:  &ua.LiteralOperand{Value: variant},
		}, nil
	case domain.OperandAttribute:
		nid, err := ua.ParseNodeID(op.NodeID)
		if err != nil {
			return nil, fmt.Errorf("attribute operand node id: %w", err)
		}
		attrID := op.AttributeID
		if attrID == 0 {
			attrID = ua.AttributeIDValue
		}
		return &ua.ExtensionObject{
			TypeID: ua.NewFourByteExpandedNodeID(0, id.AttributeOperand_Encoding_DefaultBinary),
			Value: &ua.AttributeOperand{
				NodeID:      nid,
				AttributeID: attrID,
				BrowsePath:  &ua.RelativePath{Elements: relativePathElements(op.BrowsePath)},
			},
		}, nil
	case domain.OperandSimpleAttribute:
		var typeDef *ua.NodeID
		if op.TypeDefinitionID != "" {
			nid, err := ua.ParseNodeID(op.TypeDefinitionID)
			if err != nil {
				return nil, fmt.Errorf("simple attribute operand type definition: %w", err)
			}
			typeDef = nid
		}
		return &ua.ExtensionObject{
			TypeID: ua.NewFourByteExpandedNodeID(0, id.SimpleAttributeOperand_Encoding_DefaultBinary),
			Value: &ua.SimpleAttributeOperand{
				TypeDefinitionID: typeDef,
				BrowsePath:       qualifiedNamePath(op.SimplePath),
				AttributeID:      ua.AttributeIDValue,
			},
		}, nil
	default:
		return nil, fmt.Errorf("opcuaclient: unknown operand kind %d", op.Kind)
	}
}

func relativePathElements(browsePath []string) []*ua.RelativePathElement {
	qns := qualifiedNamePath(browsePath)
	out := make([]*ua.RelativePathElement, 0, len(qns))
	for _, qn := range qns {
		out = append(out, &ua.RelativePathElement{TargetName: qn})
	}
	return out
}

func filterOperatorCode(op domain.FilterOperator) ua.FilterOperator {
	switch op {
	case domain.FilterEquals:
		return ua.FilterOperatorEquals
	case domain.FilterIsNull:
		return ua.FilterOperatorIsNull
	case domain.FilterGreaterThan:
		return ua.FilterOperatorGreaterThan
	case domain.FilterLessThan:
		return ua.FilterOperatorLessThan
	case domain.FilterGreaterThanOrEqual:
		return ua.FilterOperatorGreaterThanOrEqual
	case domain.FilterLessThanOrEqual:
		return ua.FilterOperatorLessThanOrEqual
	case domain.FilterLike:
		return ua.FilterOperatorLike
	case domain.FilterNot:
		return ua.FilterOperatorNot
	case domain.FilterBetween:
		return ua.FilterOperatorBetween
	case domain.FilterInList:
		return ua.FilterOperatorInList
	case domain.FilterAnd:
		return ua.FilterOperatorAnd
	case domain.FilterOr:
		return ua.FilterOperatorOr
	case domain.FilterCast:
		return ua.FilterOperatorCast
	case domain.FilterOfType:
		return ua.FilterOperatorOfType
	default:
		return ua.FilterOperatorEquals
	}
}
