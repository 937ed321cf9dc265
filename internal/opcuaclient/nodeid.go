// Package opcuaclient is the only package in this module allowed to import
// github.com/gopcua/opcua directly. It wraps Session/Subscription/
// MonitoredItem primitives behind types the Subscription Manager (C5)
// drives without ever touching the wire stack itself, matching the
// "OPC UA stack as client library" framing.
package opcuaclient

import (
	"fmt"
	"strconv"

	"github.com/gopcua/opcua/ua"

	"github.com/nexus-edge/opc-publisher/internal/domain"
)

// ToUANodeID converts a domain.NodeIdentifier to a gopcua NodeID. An
// ExpandedNodeId form must already have been resolved to a namespace index
// via resolver (the caller is expected to canonicalize first); resolver may
// be nil for a plain NodeId whose namespace index is already known.
func ToUANodeID(id domain.NodeIdentifier, resolver domain.NamespaceResolver) (*ua.NodeID, error) {
	switch id.Form {
	case domain.FormNodeID:
		return ua.ParseNodeID(fmt.Sprintf("ns=%d;%s", id.NamespaceIndex, id.Identifier))
	case domain.FormExpandedNodeID:
		if resolver == nil {
			return nil, fmt.Errorf("%w: %s needs a namespace resolver", domain.ErrInvalidNodeID, id.String())
		}
		idx, ok := resolver.IndexForURI(id.NamespaceURI)
		if !ok {
			return nil, fmt.Errorf("%w: namespace uri %q not in table", domain.ErrInvalidNodeID, id.NamespaceURI)
		}
		return ua.ParseNodeID(fmt.Sprintf("ns=%d;%s", idx, id.Identifier))
	default:
		return nil, fmt.Errorf("%w: unknown node id form", domain.ErrInvalidNodeID)
	}
}

// qualifiedNamePath turns a flat browse-path of names (each optionally
// namespace-qualified as "<index>:<name>") into gopcua QualifiedNames.
func qualifiedNamePath(segments []string) []*ua.QualifiedName {
	out := make([]*ua.QualifiedName, 0, len(segments))
	for _, seg := range segments {
		idx, name := uint16(0), seg
		if colon := indexOfColon(seg); colon >= 0 {
			if n, err := strconv.ParseUint(seg[:colon], 10, 16); err == nil {
				idx, name = uint16(n), seg[colon+1:]
			}
		}
		out = append(out, &ua.QualifiedName{NamespaceIndex: idx, Name: name})
	}
	return out
}

func indexOfColon(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}
