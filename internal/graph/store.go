package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
)

func itoa(n int) string { return strconv.Itoa(n) }

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// netlocPath splits rawURL into its netloc (host[:port]) and path,
// matching urllib.parse.urlparse's .netloc/.path used by the original
// Resource/Host constructors.
func netlocPath(rawURL string) (netloc, path string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", rawURL
	}
	return u.Host, u.Path
}

// Store materializes nodes and edges against an Audit Session id,
// deduplicating node identities the superset-merge way before handing a
// row to the Sink for the first (and only) time. Because the Relation
// Writer is append-only, a merge that happens after a row has already
// been emitted cannot retroactively patch that row; in practice this
// never bites Script/Resource/Host because each identity is only ever
// emitted once it is fully resolved (Scripts are emitted when the owning
// frame logs; Resource/Host are content-addressed and deterministic).
type Store struct {
	sink      Sink
	sessionID string

	scripts   map[string]Script
	resources map[string]struct{}
	hosts     map[string]struct{}
	emitted   map[string]map[string]struct{} // label -> id -> emitted
}

// NewStore builds a Store bound to sink and the given audit session id.
func NewStore(sink Sink, sessionID string) *Store {
	return &Store{
		sink:      sink,
		sessionID: sessionID,
		scripts:   make(map[string]Script),
		resources: make(map[string]struct{}),
		hosts:     make(map[string]struct{}),
		emitted:   make(map[string]map[string]struct{}),
	}
}

// SessionID returns the audit session id this store stamps onto rows.
func (s *Store) SessionID() string { return s.sessionID }

func (s *Store) markEmitted(label, id string) bool {
	ids, ok := s.emitted[label]
	if !ok {
		ids = make(map[string]struct{})
		s.emitted[label] = ids
	}
	if _, ok := ids[id]; ok {
		return false
	}
	ids[id] = struct{}{}
	return true
}

// EmitFrame materializes and emits a Frame node row.
func (s *Store) EmitFrame(f FrameAttrs) {
	if s.markEmitted(LabelFrame, f.ID()) {
		s.sink.Add(f.Row(s.sessionID))
	}
}

// ResolveScript looks up or creates a Script identity, merging a "None"
// url with a later real one, and returns the merged state. It does not
// emit; EmitScript does, at most once per identity.
func (s *Store) ResolveScript(sc Script) Script {
	id := sc.ID()
	if prev, ok := s.scripts[id]; ok {
		sc = mergeScript(prev, sc)
	}
	s.scripts[id] = sc
	return sc
}

// EmitScript emits the current resolved state of a Script identity. Call
// after ResolveScript once the frame is ready to log it.
func (s *Store) EmitScript(sc Script) {
	if s.markEmitted(LabelScript, sc.ID()) {
		s.sink.Add(sc.Row(s.sessionID))
	}
}

// EmitParser emits a Parser node, deduplicated by id (Parser carries no
// mergeable attributes).
func (s *Store) EmitParser(p Parser) {
	if s.markEmitted(LabelParser, p.ID()) {
		s.sink.Add(p.Row(s.sessionID))
	}
}

// NewResourceFromRequestURL builds and emits (if new) a Resource node
// from a request's URL and CDP resource type, returning the Resource.
func (s *Store) NewResourceFromRequestURL(rawURL, resourceType string) Resource {
	netloc, path := netlocPath(rawURL)
	r := Resource{Path: netloc + path, Domain: netloc, Type: resourceType}
	if s.markEmitted(LabelResource, r.ID()) {
		s.sink.Add(r.Row(s.sessionID))
	}
	return r
}

// NewHostFromResponse builds and emits (if new) a Host node from a
// response's remote IP, url, and Server header, returning nil when
// remoteIP is empty (matching the original's "no host if no remote IP"
// rule).
func (s *Store) NewHostFromResponse(remoteIP, rawURL, server string) *Host {
	if remoteIP == "" {
		return nil
	}
	netloc, _ := netlocPath(rawURL)
	h := Host{RemoteIP: remoteIP, Domain: netloc, Server: orNone(server)}
	if s.markEmitted(LabelHost, h.ID()) {
		s.sink.Add(h.Row(s.sessionID))
	}
	return &h
}

// Emit is a generic escape hatch for the fixed-shape edge/node rows built
// by the package-level constructors (FrameAttachedEdge, NavigatedEdge,
// etc.), which carry no mergeable state and so are simply forwarded.
func (s *Store) Emit(row Row) {
	s.sink.Add(row)
}
