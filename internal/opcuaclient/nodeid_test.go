package opcuaclient

import (
	"errors"
	"testing"

	"github.com/nexus-edge/opc-publisher/internal/domain"
)

func TestToUANodeIDPlainForm(t *testing.T) {
	id, err := domain.ParseNodeIdentifier("ns=2;s=Temperature")
	if err != nil {
		t.Fatalf("ParseNodeIdentifier: %v", err)
	}

	nodeID, err := ToUANodeID(id, nil)
	if err != nil {
		t.Fatalf("ToUANodeID: %v", err)
	}
	if nodeID == nil {
		t.Fatal("expected a non-nil NodeID")
	}
}

func TestToUANodeIDExpandedFormRequiresResolver(t *testing.T) {
	id, err := domain.ParseNodeIdentifier("nsu=urn:example:line1;s=Temperature")
	if err != nil {
		t.Fatalf("ParseNodeIdentifier: %v", err)
	}

	if _, err := ToUANodeID(id, nil); !errors.Is(err, domain.ErrInvalidNodeID) {
		t.Fatalf("expected ErrInvalidNodeID without a resolver, got %v", err)
	}
}

func TestToUANodeIDExpandedFormResolves(t *testing.T) {
	id, err := domain.ParseNodeIdentifier("nsu=urn:example:line1;s=Temperature")
	if err != nil {
		t.Fatalf("ParseNodeIdentifier: %v", err)
	}

	resolver := newNamespaceTable([]string{"http://opcfoundation.org/UA/", "urn:example:line1"})

	nodeID, err := ToUANodeID(id, resolver)
	if err != nil {
		t.Fatalf("ToUANodeID: %v", err)
	}
	if nodeID == nil {
		t.Fatal("expected a non-nil NodeID")
	}
}

func TestToUANodeIDExpandedFormUnknownURI(t *testing.T) {
	id, err := domain.ParseNodeIdentifier("nsu=urn:example:unknown;s=Temperature")
	if err != nil {
		t.Fatalf("ParseNodeIdentifier: %v", err)
	}

	resolver := newNamespaceTable([]string{"http://opcfoundation.org/UA/", "urn:example:line1"})

	if _, err := ToUANodeID(id, resolver); !errors.Is(err, domain.ErrInvalidNodeID) {
		t.Fatalf("expected ErrInvalidNodeID for an unresolvable namespace uri, got %v", err)
	}
}

func TestQualifiedNamePathParsesNamespacePrefix(t *testing.T) {
	names := qualifiedNamePath([]string{"2:Temperature", "Unqualified"})
	if len(names) != 2 {
		t.Fatalf("expected 2 qualified names, got %d", len(names))
	}
	if names[0].NamespaceIndex != 2 || names[0].Name != "Temperature" {
		t.Fatalf("unexpected first segment: ns=%d name=%q", names[0].NamespaceIndex, names[0].Name)
	}
	if names[1].NamespaceIndex != 0 || names[1].Name != "Unqualified" {
		t.Fatalf("unexpected second segment: ns=%d name=%q", names[1].NamespaceIndex, names[1].Name)
	}
}
