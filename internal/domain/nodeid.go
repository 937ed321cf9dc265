package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// NodeIDForm distinguishes the two textual forms a node identifier can take.
type NodeIDForm int

const (
	// FormNodeID is the numeric namespace-index form: ns=<index>;<id>.
	FormNodeID NodeIDForm = iota
	// FormExpandedNodeID is the namespace-URI form: nsu=<uri>;<id>.
	FormExpandedNodeID
)

// NamespaceResolver maps between a session's namespace index and the
// namespace URI it corresponds to. A Session's NamespaceTable implements
// this once the session has connected.
type NamespaceResolver interface {
	URIForIndex(index uint16) (string, bool)
	IndexForURI(uri string) (uint16, bool)
}

// NodeIdentifier is a parsed node identifier in either textual form.
// Two NodeIdentifiers referring to the same logical node compare equal
// after both have been canonicalised to FormExpandedNodeID via the same
// NamespaceResolver (§4.4 of the specification).
type NodeIdentifier struct {
	Form NodeIDForm

	// NamespaceIndex is meaningful when Form == FormNodeID.
	NamespaceIndex uint16

	// NamespaceURI is meaningful when Form == FormExpandedNodeID.
	NamespaceURI string

	// Identifier is the payload after the namespace qualifier, e.g. "i=42"
	// or "s=Free.Form.String" or "g=<guid>" or "b=<base64>".
	Identifier string
}

// ParseNodeIdentifier applies the parsing rules of §4.2: a string
// containing "nsu=" is an ExpandedNodeId, otherwise a NodeId (namespace
// index defaults to 0 when omitted).
func ParseNodeIdentifier(s string) (NodeIdentifier, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NodeIdentifier{}, fmt.Errorf("%w: empty string", ErrInvalidNodeID)
	}

	if strings.Contains(s, "nsu=") {
		return parseExpandedNodeID(s)
	}
	return parseNodeID(s)
}

func parseExpandedNodeID(s string) (NodeIdentifier, error) {
	// Expected shape: nsu=<uri>;<id-part>  where <id-part> may itself
	// contain additional ';' separators (e.g. in string identifiers), so
	// split only on the first two segments.
	if !strings.HasPrefix(s, "nsu=") {
		return NodeIdentifier{}, fmt.Errorf("%w: %q does not start with nsu=", ErrInvalidNodeID, s)
	}
	rest := s[len("nsu="):]
	idx := strings.Index(rest, ";")
	if idx < 0 {
		return NodeIdentifier{}, fmt.Errorf("%w: %q missing identifier part", ErrInvalidNodeID, s)
	}
	uri := rest[:idx]
	id := rest[idx+1:]
	if uri == "" || id == "" {
		return NodeIdentifier{}, fmt.Errorf("%w: %q has empty uri or id", ErrInvalidNodeID, s)
	}
	if err := validateIDPart(id); err != nil {
		return NodeIdentifier{}, err
	}
	return NodeIdentifier{Form: FormExpandedNodeID, NamespaceURI: uri, Identifier: id}, nil
}

func parseNodeID(s string) (NodeIdentifier, error) {
	if !strings.HasPrefix(s, "ns=") {
		// No namespace prefix: defaults to namespace index 0.
		if err := validateIDPart(s); err != nil {
			return NodeIdentifier{}, err
		}
		return NodeIdentifier{Form: FormNodeID, NamespaceIndex: 0, Identifier: s}, nil
	}

	rest := s[len("ns="):]
	idx := strings.Index(rest, ";")
	if idx < 0 {
		return NodeIdentifier{}, fmt.Errorf("%w: %q missing identifier part", ErrInvalidNodeID, s)
	}
	nsStr := rest[:idx]
	id := rest[idx+1:]

	ns, err := strconv.ParseUint(nsStr, 10, 16)
	if err != nil {
		return NodeIdentifier{}, fmt.Errorf("%w: %q has invalid namespace index: %v", ErrInvalidNodeID, s, err)
	}
	if err := validateIDPart(id); err != nil {
		return NodeIdentifier{}, err
	}
	return NodeIdentifier{Form: FormNodeID, NamespaceIndex: uint16(ns), Identifier: id}, nil
}

func validateIDPart(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty identifier", ErrInvalidNodeID)
	}
	for _, prefix := range []string{"i=", "s=", "g=", "b="} {
		if strings.HasPrefix(id, prefix) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q has unrecognised identifier type", ErrInvalidNodeID, id)
}

// String renders the identifier back to its canonical textual form.
func (n NodeIdentifier) String() string {
	switch n.Form {
	case FormExpandedNodeID:
		return fmt.Sprintf("nsu=%s;%s", n.NamespaceURI, n.Identifier)
	default:
		if n.NamespaceIndex == 0 {
			return n.Identifier
		}
		return fmt.Sprintf("ns=%d;%s", n.NamespaceIndex, n.Identifier)
	}
}

// Canonicalize converts n to FormExpandedNodeID using r, returning ok=false
// if the namespace cannot currently be resolved (the caller should leave
// the item in UnmonitoredNamespaceUpdateRequested and retry next tick).
func (n NodeIdentifier) Canonicalize(r NamespaceResolver) (NodeIdentifier, bool) {
	if n.Form == FormExpandedNodeID {
		return n, true
	}
	uri, ok := r.URIForIndex(n.NamespaceIndex)
	if !ok {
		return n, false
	}
	return NodeIdentifier{Form: FormExpandedNodeID, NamespaceURI: uri, Identifier: n.Identifier}, true
}

// CanonicalEqual reports whether n and other refer to the same logical
// node. Before a NamespaceResolver is available, only raw string equality
// on the original form is used (matching §4.4: "Before Connected, only
// string-equality on the original identifier is used").
func (n NodeIdentifier) CanonicalEqual(other NodeIdentifier, r NamespaceResolver) bool {
	if r == nil {
		return n.Form == other.Form && n.String() == other.String()
	}
	cn, okN := n.Canonicalize(r)
	co, okO := other.Canonicalize(r)
	if !okN || !okO {
		return n.Form == other.Form && n.String() == other.String()
	}
	return cn.NamespaceURI == co.NamespaceURI && cn.Identifier == co.Identifier
}

// NeedsNamespaceResolution reports whether this identifier is a NodeId
// with a non-zero namespace index that has not yet been resolved to an
// ExpandedNodeId.
func (n NodeIdentifier) NeedsNamespaceResolution() bool {
	return n.Form == FormNodeID && n.NamespaceIndex > 0
}
