package opcuaclient

import "testing"

func TestNamespaceTableRoundTrip(t *testing.T) {
	table := newNamespaceTable([]string{
		"http://opcfoundation.org/UA/",
		"urn:example:line1",
		"urn:example:line2",
	})

	uri, ok := table.URIForIndex(1)
	if !ok || uri != "urn:example:line1" {
		t.Fatalf("URIForIndex(1) = %q, %v", uri, ok)
	}

	idx, ok := table.IndexForURI("urn:example:line2")
	if !ok || idx != 2 {
		t.Fatalf("IndexForURI(line2) = %d, %v", idx, ok)
	}

	if _, ok := table.URIForIndex(99); ok {
		t.Fatal("expected URIForIndex for an unknown index to report not-found")
	}
	if _, ok := table.IndexForURI("urn:unknown"); ok {
		t.Fatal("expected IndexForURI for an unknown uri to report not-found")
	}
}

func TestNamespaceTableReplaceDropsStaleEntries(t *testing.T) {
	table := newNamespaceTable([]string{"http://opcfoundation.org/UA/", "urn:old"})

	table.replace([]string{"http://opcfoundation.org/UA/", "urn:new"})

	if _, ok := table.IndexForURI("urn:old"); ok {
		t.Fatal("replace must drop namespace URIs no longer present after a reconnect")
	}
	idx, ok := table.IndexForURI("urn:new")
	if !ok || idx != 1 {
		t.Fatalf("IndexForURI(urn:new) = %d, %v", idx, ok)
	}
}
