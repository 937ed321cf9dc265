package domain

import "time"

// MessageDataRecord is one notification after shaping (§3): ready to be
// serialised and handed to the Hub Sender.
type MessageDataRecord struct {
	EndpointURL      string `json:"EndpointUrl,omitempty"`
	NodeID           string `json:"NodeId,omitempty"`
	ExpandedNodeID   string `json:"ExpandedNodeId,omitempty"`
	ApplicationURI   string `json:"ApplicationUri,omitempty"`
	DisplayName      string `json:"DisplayName,omitempty"`
	Value            string `json:"Value,omitempty"`
	SourceTimestamp  time.Time `json:"SourceTimestamp"`
	StatusCode       uint32 `json:"StatusCode"`
	Status           string `json:"Status,omitempty"`

	// PreserveQuotes controls whether Value is emitted as a raw JSON token
	// (false: numbers/bools serialise unquoted) or a quoted string (true:
	// e.g. values produced by a shaper Pattern, which are always text).
	PreserveQuotes bool `json:"-"`
}

// Clone returns a deep copy suitable for heartbeat re-emission (the
// source fields are value types or copied slices, so a shallow struct
// copy is already deep here).
func (r MessageDataRecord) Clone() MessageDataRecord {
	return r
}

// EventMessageRecord is the event-source analogue of MessageDataRecord:
// one row per matched event, with one column per select clause.
type EventMessageRecord struct {
	EndpointURL    string            `json:"EndpointUrl,omitempty"`
	NodeID         string            `json:"NodeId,omitempty"`
	ApplicationURI string            `json:"ApplicationUri,omitempty"`
	DisplayName    string            `json:"DisplayName,omitempty"`
	Fields         map[string]string `json:"Fields"`
	ReceivedAt     time.Time         `json:"ReceivedAt"`
}
