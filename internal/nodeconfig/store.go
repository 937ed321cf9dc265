// Package nodeconfig implements the Node-Config Store (C2): the
// desired-state repository of endpoints and nodes to publish, and the
// published-nodes file round trip (§4.2, §6).
package nodeconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nexus-edge/opc-publisher/internal/domain"
)

// maxPageBytes is the hub response cap named in §4.2: 128 KiB - 256 bytes.
const maxPageBytes = 128*1024 - 256

// Defaults supplies the global fallback values applied when a published
// node omits them (the `Default*` configuration options of §6).
type Defaults struct {
	SamplingInterval   time.Duration
	PublishingInterval time.Duration
	HeartbeatInterval  time.Duration
	SkipFirst          bool
}

// NodeOptions carries the per-node overrides accepted by PublishNode; a
// zero field means "use the store's Defaults".
type NodeOptions struct {
	SamplingInterval   time.Duration
	PublishingInterval time.Duration
	DisplayName        string
	HeartbeatInterval  time.Duration
	SkipFirst          *bool
}

// PublishedNode and PublishedEvent are the nodeconfig package's own view
// of one desired (or, when built from a running snapshot, actual) node;
// they are what LoadFromFile/SaveToFile and ListNodesOn traffic in.
type PublishedNode struct {
	Identifier         string
	SamplingInterval   time.Duration
	PublishingInterval time.Duration
	DisplayName        string
	HeartbeatInterval  time.Duration
	SkipFirst          bool
}

type PublishedEvent struct {
	Identifier    string
	DisplayName   string
	SelectClauses []domain.SelectClause
	WhereClauses  []domain.WhereClauseElement
}

// PublishedEndpoint is one endpoint and everything published on it, as
// written to or read from the published-nodes file.
type PublishedEndpoint struct {
	URL           string
	UseSecurity   bool
	AuthMode      domain.AuthMode
	Credential    domain.EncryptedCredential
	HasCredential bool
	Nodes         []PublishedNode
	Events        []PublishedEvent
}

// Store is the Node-Config Store: the desired-state repository (§3, §4.2).
// NodeConfigLock (§5) is s.mu; it is never held while awaiting network I/O.
type Store struct {
	mu sync.Mutex

	defaults Defaults

	endpoints map[string]*domain.Endpoint
	items     map[domain.ItemKey]*domain.MonitoredItem

	version              uint64
	lastPersistedVersion uint64

	// changed is signalled (non-blocking) after every structural mutation
	// so a reconcile loop can wake up instead of polling (§9 redesign:
	// "the reconcile loop receives desired-state-changed signals rather
	// than polling").
	changed chan struct{}
}

// NewStore creates an empty Node-Config Store.
func NewStore(defaults Defaults) *Store {
	return &Store{
		defaults:  defaults,
		endpoints: make(map[string]*domain.Endpoint),
		items:     make(map[domain.ItemKey]*domain.MonitoredItem),
		changed:   make(chan struct{}, 1),
	}
}

// Changed returns the channel the reconcile loop should select on to
// learn the desired model changed. It never blocks a Publish/Unpublish
// call: the channel has a capacity-1 buffer and a pending signal is
// coalesced.
func (s *Store) Changed() <-chan struct{} {
	return s.changed
}

func (s *Store) signalChanged() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Version returns the current NodeConfigVersion.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Store) ensureEndpointLocked(url string, useSecurity bool, authMode domain.AuthMode, cred domain.EncryptedCredential, hasCred bool) *domain.Endpoint {
	key := domain.EndpointKey(url)
	ep, ok := s.endpoints[key]
	if !ok {
		ep = &domain.Endpoint{URL: url, UseSecurity: useSecurity, AuthMode: authMode, Credential: cred, HasCredential: hasCred}
		s.endpoints[key] = ep
	}
	return ep
}

func (s *Store) resolveOptions(opts NodeOptions) (sampling, publishing, heartbeat time.Duration, skipFirst bool) {
	sampling = opts.SamplingInterval
	if sampling == 0 {
		sampling = s.defaults.SamplingInterval
	}
	publishing = opts.PublishingInterval
	if publishing == 0 {
		publishing = s.defaults.PublishingInterval
	}
	heartbeat = opts.HeartbeatInterval
	if heartbeat == 0 {
		heartbeat = s.defaults.HeartbeatInterval
	}
	if opts.SkipFirst != nil {
		skipFirst = *opts.SkipFirst
	} else {
		skipFirst = s.defaults.SkipFirst
	}
	return
}

// PublishNode upserts a desired value Monitored Item (§4.2). resolver may
// be nil (endpoint not yet Connected); when non-nil and the parsed
// identifier is a NodeId with a non-zero namespace index, it is resolved
// to an ExpandedNodeId immediately, matching the parsing rule in §4.2.
// Returns alreadyPublished=true (and the existing item) when an
// equivalent item is already desired, satisfying the canonical-equality
// idempotency invariant (§8).
func (s *Store) PublishNode(endpointURL, idStr string, resolver domain.NamespaceResolver, opts NodeOptions) (item *domain.MonitoredItem, alreadyPublished bool, err error) {
	parsed, err := domain.ParseNodeIdentifier(idStr)
	if err != nil {
		return nil, false, err
	}

	sampling, publishing, heartbeat, skipFirst := s.resolveOptions(opts)

	phase := domain.Unmonitored
	if parsed.NeedsNamespaceResolution() {
		if resolver != nil {
			if canon, ok := parsed.Canonicalize(resolver); ok {
				parsed = canon
			} else {
				phase = domain.UnmonitoredNamespaceUpdateRequested
			}
		} else {
			phase = domain.UnmonitoredNamespaceUpdateRequested
		}
	}

	candidate := &domain.MonitoredItem{
		Kind:                      domain.KindValue,
		EndpointURL:               endpointURL,
		Identifier:                parsed,
		DisplayName:               opts.DisplayName,
		HeartbeatInterval:         heartbeat,
		SkipFirst:                 skipFirst,
		RequestedSamplingInterval: sampling,
		PublishingInterval:        publishing,
		State:                     domain.State{Phase: phase},
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.items {
		if existing.CanonicalEqual(candidate, resolver) {
			return existing, true, nil
		}
	}

	s.ensureEndpointLocked(endpointURL, true, domain.AuthModeAnonymous, domain.EncryptedCredential{}, false)
	s.items[candidate.Key()] = candidate
	s.version++
	s.signalChanged()
	return candidate, false, nil
}

// PublishEvent upserts a desired event Monitored Item, mirroring
// PublishNode for Kind == KindEvent.
func (s *Store) PublishEvent(endpointURL, idStr string, resolver domain.NamespaceResolver, opts NodeOptions, selects []domain.SelectClause, wheres []domain.WhereClauseElement) (item *domain.MonitoredItem, alreadyPublished bool, err error) {
	parsed, err := domain.ParseNodeIdentifier(idStr)
	if err != nil {
		return nil, false, err
	}

	_, publishing, heartbeat, _ := s.resolveOptions(opts)

	phase := domain.Unmonitored
	if parsed.NeedsNamespaceResolution() {
		if resolver != nil {
			if canon, ok := parsed.Canonicalize(resolver); ok {
				parsed = canon
			} else {
				phase = domain.UnmonitoredNamespaceUpdateRequested
			}
		} else {
			phase = domain.UnmonitoredNamespaceUpdateRequested
		}
	}

	candidate := &domain.MonitoredItem{
		Kind:               domain.KindEvent,
		EndpointURL:        endpointURL,
		Identifier:         parsed,
		DisplayName:        opts.DisplayName,
		HeartbeatInterval:  heartbeat,
		PublishingInterval: publishing,
		SelectClauses:      selects,
		WhereClauses:       wheres,
		State:              domain.State{Phase: phase},
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.items {
		if existing.Kind == domain.KindEvent && existing.CanonicalEqual(candidate, resolver) {
			return existing, true, nil
		}
	}

	s.ensureEndpointLocked(endpointURL, true, domain.AuthModeAnonymous, domain.EncryptedCredential{}, false)
	s.items[candidate.Key()] = candidate
	s.version++
	s.signalChanged()
	return candidate, false, nil
}

// UnpublishNode removes a desired item matching idStr on endpointURL
// (§4.2). The reconcile loop discovers the removal on its next tick by
// diffing actual-vs-desired (the Store never tracks RemovalRequested
// itself — that is actual-state owned by the Subscription Manager,
// per the Ownership note in §3).
func (s *Store) UnpublishNode(endpointURL, idStr string, resolver domain.NamespaceResolver) error {
	parsed, err := domain.ParseNodeIdentifier(idStr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := &domain.MonitoredItem{EndpointURL: endpointURL, Identifier: parsed}
	for key, existing := range s.items {
		if existing.CanonicalEqual(target, resolver) {
			delete(s.items, key)
			s.pruneEmptyEndpointsLocked()
			s.version++
			s.signalChanged()
			return nil
		}
	}
	return fmt.Errorf("%w: %s on %s", domain.ErrUnknownNode, idStr, endpointURL)
}

// UnpublishAll removes every desired item on one endpoint, or (when
// allEndpoints is true) on every endpoint. Returns the number removed.
func (s *Store) UnpublishAll(endpointURL string, allEndpoints bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := domain.EndpointKey(endpointURL)
	removed := 0
	for k, item := range s.items {
		if allEndpoints || domain.EndpointKey(item.EndpointURL) == key {
			delete(s.items, k)
			removed++
		}
	}
	if removed > 0 {
		s.pruneEmptyEndpointsLocked()
		s.version += uint64(removed)
		s.signalChanged()
	}
	return removed
}

// pruneEmptyEndpointsLocked drops every endpoint entry with no desired
// item left on it, matching the Endpoint lifecycle: created on first
// Publish, destroyed once it holds no subscriptions. Called with s.mu
// already held.
func (s *Store) pruneEmptyEndpointsLocked() {
	inUse := make(map[string]struct{}, len(s.endpoints))
	for _, item := range s.items {
		inUse[domain.EndpointKey(item.EndpointURL)] = struct{}{}
	}
	for key := range s.endpoints {
		if _, ok := inUse[key]; !ok {
			delete(s.endpoints, key)
		}
	}
}

// EndpointURLs returns every endpoint URL currently in the desired model,
// unpaginated, for the reconcile loop's endpoint-goroutine bookkeeping
// (§4.5 step 1 needs to know which endpoints exist at all; §4.2's
// pagination cap only applies to the Control API's own ListEndpoints).
func (s *Store) EndpointURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		out = append(out, ep.URL)
	}
	sort.Strings(out)
	return out
}

// DesiredForEndpoint returns a snapshot copy of endpointURL's configuration
// and every Monitored Item desired on it. The Subscription Manager diffs
// this against its own actual-state copy by ItemKey on every reconcile
// tick; it never holds a pointer into the Store's own map (§3 Ownership).
func (s *Store) DesiredForEndpoint(endpointURL string) (domain.Endpoint, []domain.MonitoredItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := domain.EndpointKey(endpointURL)
	ep, ok := s.endpoints[key]
	if !ok {
		return domain.Endpoint{}, nil, false
	}

	var items []domain.MonitoredItem
	for _, item := range s.items {
		if domain.EndpointKey(item.EndpointURL) == key {
			items = append(items, *item)
		}
	}
	return *ep, items, true
}

// ListEndpoints returns one page of known endpoint URLs, paginated so the
// serialised page never exceeds the 128 KiB - 256 hub response cap
// (§4.2). cursor is the opaque string previously returned as nextCursor;
// pass "" for the first page.
func (s *Store) ListEndpoints(cursor string) (page []string, nextCursor string, err error) {
	s.mu.Lock()
	urls := make([]string, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		urls = append(urls, ep.URL)
	}
	s.mu.Unlock()
	sort.Strings(urls)

	start, err := decodeCursor(cursor, len(urls))
	if err != nil {
		return nil, "", err
	}

	end := start
	for end < len(urls) {
		candidate := urls[start : end+1]
		b, _ := json.Marshal(candidate)
		if len(b) > maxPageBytes && end > start {
			break
		}
		end++
		if len(b) > maxPageBytes {
			break
		}
	}
	page = urls[start:end]
	if end < len(urls) {
		nextCursor = strconv.Itoa(end)
	}
	return page, nextCursor, nil
}

// ListNodesOn returns one page of PublishedNode/PublishedEvent identifiers
// on endpointURL, using the same pagination contract as ListEndpoints.
func (s *Store) ListNodesOn(endpointURL, cursor string) (nodes []PublishedNode, events []PublishedEvent, nextCursor string, err error) {
	key := domain.EndpointKey(endpointURL)

	s.mu.Lock()
	if _, ok := s.endpoints[key]; !ok {
		s.mu.Unlock()
		return nil, nil, "", fmt.Errorf("%w: %s", domain.ErrUnknownEndpoint, endpointURL)
	}
	var all []PublishedNode
	var allEvents []PublishedEvent
	for _, item := range s.items {
		if domain.EndpointKey(item.EndpointURL) != key {
			continue
		}
		if item.Kind == domain.KindEvent {
			allEvents = append(allEvents, PublishedEvent{
				Identifier:    item.Identifier.String(),
				DisplayName:   item.DisplayName,
				SelectClauses: item.SelectClauses,
				WhereClauses:  item.WhereClauses,
			})
			continue
		}
		all = append(all, PublishedNode{
			Identifier:         item.Identifier.String(),
			SamplingInterval:   item.RequestedSamplingInterval,
			PublishingInterval: item.PublishingInterval,
			DisplayName:        item.DisplayName,
			HeartbeatInterval:  item.HeartbeatInterval,
			SkipFirst:          item.SkipFirst,
		})
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Identifier < all[j].Identifier })
	sort.Slice(allEvents, func(i, j int) bool { return allEvents[i].Identifier < allEvents[j].Identifier })

	// Events are not paginated separately; they are returned in full on
	// the first page since event lists are expected to be small relative
	// to value-node lists. Only the value-node list honours cursor/cap.
	start, err := decodeCursor(cursor, len(all))
	if err != nil {
		return nil, nil, "", err
	}

	end := start
	for end < len(all) {
		b, _ := json.Marshal(all[start : end+1])
		if len(b) > maxPageBytes && end > start {
			break
		}
		end++
		if len(b) > maxPageBytes {
			break
		}
	}

	page := all[start:end]
	if end < len(all) {
		nextCursor = strconv.Itoa(end)
	}
	if start > 0 {
		allEvents = nil
	}
	return page, allEvents, nextCursor, nil
}

func decodeCursor(cursor string, length int) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 0 || n > length {
		return 0, fmt.Errorf("nodeconfig: invalid cursor %q", cursor)
	}
	return n, nil
}

// DesiredSnapshot renders the current desired model as PublishedEndpoints,
// suitable for SaveToFile in contexts (such as tests) with no separate
// actual-state source.
func (s *Store) DesiredSnapshot() []PublishedEndpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	byEndpoint := make(map[string]*PublishedEndpoint, len(s.endpoints))
	var order []string
	for key, ep := range s.endpoints {
		byEndpoint[key] = &PublishedEndpoint{
			URL:           ep.URL,
			UseSecurity:   ep.UseSecurity,
			AuthMode:      ep.AuthMode,
			Credential:    ep.Credential,
			HasCredential: ep.HasCredential,
		}
		order = append(order, key)
	}
	sort.Strings(order)

	for _, item := range s.items {
		key := domain.EndpointKey(item.EndpointURL)
		pe, ok := byEndpoint[key]
		if !ok {
			continue
		}
		if item.Kind == domain.KindEvent {
			pe.Events = append(pe.Events, PublishedEvent{
				Identifier:    item.Identifier.String(),
				DisplayName:   item.DisplayName,
				SelectClauses: item.SelectClauses,
				WhereClauses:  item.WhereClauses,
			})
			continue
		}
		pe.Nodes = append(pe.Nodes, PublishedNode{
			Identifier:         item.Identifier.String(),
			SamplingInterval:   item.RequestedSamplingInterval,
			PublishingInterval: item.PublishingInterval,
			DisplayName:        item.DisplayName,
			HeartbeatInterval:  item.HeartbeatInterval,
			SkipFirst:          item.SkipFirst,
		})
	}

	out := make([]PublishedEndpoint, 0, len(order))
	for _, key := range order {
		pe := byEndpoint[key]
		sort.Slice(pe.Nodes, func(i, j int) bool { return pe.Nodes[i].Identifier < pe.Nodes[j].Identifier })
		sort.Slice(pe.Events, func(i, j int) bool { return pe.Events[i].Identifier < pe.Events[j].Identifier })
		out = append(out, *pe)
	}
	return out
}

// LoadFromFile parses a published-nodes JSON file (§6) into a fresh
// Store. Legacy single-NodeId-at-top entries are tolerated as a
// one-element OpcNodes list with default intervals.
func LoadFromFile(path string, defaults Defaults) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("nodeconfig: read %s: %w", path, err)
	}
	entries, err := unmarshalFile(data)
	if err != nil {
		return nil, err
	}

	store := NewStore(defaults)

	for _, e := range entries {
		useSecurity := true
		if e.UseSecurity != nil {
			useSecurity = *e.UseSecurity
		}
		authMode := domain.AuthModeAnonymous
		if e.OpcAuthenticationMode != "" {
			authMode = domain.AuthMode(e.OpcAuthenticationMode)
		}
		cred, err := decodeCredential(e.EncryptedAuthUsername, e.EncryptedAuthPassword)
		if err != nil {
			return nil, err
		}
		hasCred := !cred.IsZero()

		store.mu.Lock()
		store.ensureEndpointLocked(e.EndpointUrl, useSecurity, authMode, cred, hasCred)
		store.mu.Unlock()

		nodes := e.OpcNodes
		if e.NodeId != "" {
			nodes = append(nodes, fileOpcNode{Id: e.NodeId})
		}

		for _, n := range nodes {
			idStr := n.Id
			if n.ExpandedNodeId != "" {
				idStr = n.ExpandedNodeId
			}
			parsed, err := domain.ParseNodeIdentifier(idStr)
			if err != nil {
				return nil, fmt.Errorf("nodeconfig: endpoint %s: %w", e.EndpointUrl, err)
			}

			sampling := defaults.SamplingInterval
			if n.OpcSamplingInterval != nil {
				sampling = time.Duration(*n.OpcSamplingInterval) * time.Millisecond
			}
			publishing := defaults.PublishingInterval
			if n.OpcPublishingInterval != nil {
				publishing = time.Duration(*n.OpcPublishingInterval) * time.Millisecond
			}
			heartbeat := defaults.HeartbeatInterval
			if n.HeartbeatInterval != nil {
				heartbeat = time.Duration(*n.HeartbeatInterval) * time.Millisecond
			}
			skipFirst := defaults.SkipFirst
			if n.SkipFirst != nil {
				skipFirst = *n.SkipFirst
			}

			item := &domain.MonitoredItem{
				Kind:                      domain.KindValue,
				EndpointURL:               e.EndpointUrl,
				Identifier:                parsed,
				DisplayName:               n.DisplayName,
				HeartbeatInterval:         heartbeat,
				SkipFirst:                 skipFirst,
				RequestedSamplingInterval: sampling,
				PublishingInterval:        publishing,
				State:                     domain.State{Phase: domain.Unmonitored},
			}
			if parsed.NeedsNamespaceResolution() {
				item.State.Phase = domain.UnmonitoredNamespaceUpdateRequested
			}

			store.mu.Lock()
			store.items[item.Key()] = item
			store.mu.Unlock()
		}

		for _, ev := range e.OpcEvents {
			parsed, err := domain.ParseNodeIdentifier(ev.Id)
			if err != nil {
				return nil, fmt.Errorf("nodeconfig: endpoint %s: %w", e.EndpointUrl, err)
			}
			selects := make([]domain.SelectClause, len(ev.SelectClauses))
			for i, sc := range ev.SelectClauses {
				selects[i] = fromFileSelectClause(sc)
			}
			wheres := make([]domain.WhereClauseElement, len(ev.WhereClauses))
			for i, wc := range ev.WhereClauses {
				w, err := fromFileWhereElement(wc)
				if err != nil {
					return nil, fmt.Errorf("nodeconfig: endpoint %s: %w", e.EndpointUrl, err)
				}
				wheres[i] = w
			}

			item := &domain.MonitoredItem{
				Kind:          domain.KindEvent,
				EndpointURL:   e.EndpointUrl,
				Identifier:    parsed,
				DisplayName:   ev.DisplayName,
				SelectClauses: selects,
				WhereClauses:  wheres,
				State:         domain.State{Phase: domain.Unmonitored},
			}
			if parsed.NeedsNamespaceResolution() {
				item.State.Phase = domain.UnmonitoredNamespaceUpdateRequested
			}

			store.mu.Lock()
			store.items[item.Key()] = item
			store.mu.Unlock()
		}
	}

	return store, nil
}

// SaveToFile writes snapshot to path, but only when the Store's current
// NodeConfigVersion is strictly greater than the version last persisted
// (§4.2: idempotent). Returns whether a write actually occurred.
func (s *Store) SaveToFile(path string, snapshot []PublishedEndpoint) (wrote bool, err error) {
	s.mu.Lock()
	if s.version <= s.lastPersistedVersion {
		s.mu.Unlock()
		return false, nil
	}
	currentVersion := s.version
	s.mu.Unlock()

	entries := make([]fileEntry, 0, len(snapshot))
	for _, pe := range snapshot {
		entry := fileEntry{EndpointUrl: pe.URL}
		if !pe.UseSecurity {
			f := false
			entry.UseSecurity = &f
		}
		if pe.AuthMode != "" && pe.AuthMode != domain.AuthModeAnonymous {
			entry.OpcAuthenticationMode = string(pe.AuthMode)
		}
		if pe.HasCredential {
			entry.EncryptedAuthUsername, entry.EncryptedAuthPassword = encodeCredential(pe.Credential)
		}
		for _, n := range pe.Nodes {
			fn := fileOpcNode{Id: n.Identifier, DisplayName: n.DisplayName}
			if n.SamplingInterval > 0 {
				fn.OpcSamplingInterval = durationPtrMillis(n.SamplingInterval)
			}
			if n.PublishingInterval > 0 {
				fn.OpcPublishingInterval = durationPtrMillis(n.PublishingInterval)
			}
			if n.HeartbeatInterval > 0 {
				fn.HeartbeatInterval = durationPtrMillis(n.HeartbeatInterval)
			}
			if n.SkipFirst {
				t := true
				fn.SkipFirst = &t
			}
			entry.OpcNodes = append(entry.OpcNodes, fn)
		}
		for _, ev := range pe.Events {
			fe := fileOpcEvent{Id: ev.Identifier, DisplayName: ev.DisplayName}
			for _, sc := range ev.SelectClauses {
				fe.SelectClauses = append(fe.SelectClauses, toFileSelectClause(sc))
			}
			for _, wc := range ev.WhereClauses {
				fe.WhereClauses = append(fe.WhereClauses, toFileWhereElement(wc))
			}
			entry.OpcEvents = append(entry.OpcEvents, fe)
		}
		entries = append(entries, entry)
	}

	data, err := marshalFile(entries)
	if err != nil {
		return false, fmt.Errorf("nodeconfig: marshal published-nodes file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return false, fmt.Errorf("nodeconfig: write %s: %w", path, err)
	}

	s.mu.Lock()
	if currentVersion > s.lastPersistedVersion {
		s.lastPersistedVersion = currentVersion
	}
	s.mu.Unlock()
	return true, nil
}
