package opcuaclient

import "sync"

// NamespaceTable is the per-session index<->URI mapping fetched after
// connect (§4.4). It implements domain.NamespaceResolver so the
// Subscription Manager can canonicalize node identifiers without this
// package leaking into internal/domain.
type NamespaceTable struct {
	mu      sync.RWMutex
	byIndex map[uint16]string
	byURI   map[string]uint16
}

func newNamespaceTable(uris []string) *NamespaceTable {
	t := &NamespaceTable{
		byIndex: make(map[uint16]string, len(uris)),
		byURI:   make(map[string]uint16, len(uris)),
	}
	t.replace(uris)
	return t
}

// replace swaps in a freshly fetched namespace array, e.g. after a
// reconnect where the server's array may have changed order.
func (t *NamespaceTable) replace(uris []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byIndex = make(map[uint16]string, len(uris))
	t.byURI = make(map[string]uint16, len(uris))
	for i, u := range uris {
		idx := uint16(i)
		t.byIndex[idx] = u
		t.byURI[u] = idx
	}
}

// URIForIndex implements domain.NamespaceResolver.
func (t *NamespaceTable) URIForIndex(index uint16) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.byIndex[index]
	return u, ok
}

// IndexForURI implements domain.NamespaceResolver.
func (t *NamespaceTable) IndexForURI(uri string) (uint16, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.byURI[uri]
	return idx, ok
}
