package control

import (
	"errors"

	"github.com/nexus-edge/opc-publisher/internal/domain"
	"github.com/nexus-edge/opc-publisher/internal/nodeconfig"
)

// EndpointResolver looks up the NamespaceResolver for a currently
// Connected session, so the Control API can apply the §4.2 node-identifier
// parsing rule ("if the owning Session is already connected, resolve to
// an ExpandedNodeId immediately"). Implemented by the Subscription
// Manager; nil (or ResolverFor returning nil) is treated as "not
// connected".
type EndpointResolver interface {
	ResolverFor(endpointURL string) domain.NamespaceResolver
}

// ShutdownChecker reports whether the process is mid-shutdown, so the
// Control API can return StatusGone instead of mutating state that is
// about to be torn down.
type ShutdownChecker interface {
	ShuttingDown() bool
}

// API is the Control API façade (C7): the only path by which RPC adapters
// (not built here; out of scope per spec §1) may mutate the desired model.
type API struct {
	store    *nodeconfig.Store
	resolver EndpointResolver
	shutdown ShutdownChecker
}

// New creates a Control API façade over store. resolver and shutdown may
// be nil; a nil resolver is treated as "no endpoint is ever Connected",
// and a nil shutdown checker as "never shutting down".
func New(store *nodeconfig.Store, resolver EndpointResolver, shutdown ShutdownChecker) *API {
	return &API{store: store, resolver: resolver, shutdown: shutdown}
}

func (a *API) isShuttingDown() bool {
	return a.shutdown != nil && a.shutdown.ShuttingDown()
}

func (a *API) resolverFor(endpointURL string) domain.NamespaceResolver {
	if a.resolver == nil {
		return nil
	}
	return a.resolver.ResolverFor(endpointURL)
}

func classifyError(err error) Status {
	switch {
	case errors.Is(err, domain.ErrInvalidNodeID),
		errors.Is(err, domain.ErrUnknownNode),
		errors.Is(err, domain.ErrUnknownEndpoint):
		return StatusNotAcceptable
	default:
		return StatusInternalServerError
	}
}

// PublishNode upserts a desired value Monitored Item.
func (a *API) PublishNode(endpointURL, idStr string, opts nodeconfig.NodeOptions) (Status, *domain.MonitoredItem, error) {
	if a.isShuttingDown() {
		return StatusGone, nil, domain.ErrShuttingDown
	}

	item, already, err := a.store.PublishNode(endpointURL, idStr, a.resolverFor(endpointURL), opts)
	if err != nil {
		return classifyError(err), nil, err
	}
	if already {
		return StatusOK, item, nil
	}
	return StatusAccepted, item, nil
}

// PublishEvent upserts a desired event Monitored Item.
func (a *API) PublishEvent(endpointURL, idStr string, opts nodeconfig.NodeOptions, selects []domain.SelectClause, wheres []domain.WhereClauseElement) (Status, *domain.MonitoredItem, error) {
	if a.isShuttingDown() {
		return StatusGone, nil, domain.ErrShuttingDown
	}

	item, already, err := a.store.PublishEvent(endpointURL, idStr, a.resolverFor(endpointURL), opts, selects, wheres)
	if err != nil {
		return classifyError(err), nil, err
	}
	if already {
		return StatusOK, item, nil
	}
	return StatusAccepted, item, nil
}

// UnpublishNode removes a desired item matching idStr on endpointURL.
func (a *API) UnpublishNode(endpointURL, idStr string) (Status, error) {
	if a.isShuttingDown() {
		return StatusGone, domain.ErrShuttingDown
	}

	if err := a.store.UnpublishNode(endpointURL, idStr, a.resolverFor(endpointURL)); err != nil {
		return classifyError(err), err
	}
	return StatusAccepted, nil
}

// UnpublishAll removes every desired item on endpointURL, or on every
// endpoint when allEndpoints is true.
func (a *API) UnpublishAll(endpointURL string, allEndpoints bool) (Status, int) {
	if a.isShuttingDown() {
		return StatusGone, 0
	}

	removed := a.store.UnpublishAll(endpointURL, allEndpoints)
	if removed == 0 {
		return StatusOK, 0
	}
	return StatusAccepted, removed
}

// ListEndpoints returns one page of published endpoint URLs.
func (a *API) ListEndpoints(cursor string) (Status, []string, string) {
	page, next, err := a.store.ListEndpoints(cursor)
	if err != nil {
		return StatusNotAcceptable, nil, ""
	}
	return StatusOK, page, next
}

// ListNodesOn returns one page of nodes/events published on endpointURL.
func (a *API) ListNodesOn(endpointURL, cursor string) (Status, []nodeconfig.PublishedNode, []nodeconfig.PublishedEvent, string) {
	nodes, events, next, err := a.store.ListNodesOn(endpointURL, cursor)
	if err != nil {
		return classifyError(err), nil, nil, ""
	}
	return StatusOK, nodes, events, next
}
