package graph

// Row is one materialized node or edge, ready for the Relation Writer.
// Node rows set ID; edge rows set Start and End instead.
type Row struct {
	Label      string
	ID         string
	Start, End string
	Properties map[string]string
}

func newProps(sessionID string) map[string]string {
	return map[string]string{"global_session_id": sessionID}
}

// Sink receives materialized rows. internal/relation.Writer implements
// this.
type Sink interface {
	Add(Row)
}

// FrameAttrs are the attributes of a Frame node (component: Frame Engine
// owns the lifecycle flags and back-references; this package owns only
// the attributes that end up on the emitted row).
type FrameAttrs struct {
	FrameID        string
	LoaderID       string
	URL            string
	SecurityOrigin string
	MimeType       string
	Name           string
	Type           string
	Requests       int
	Responses      int
	ScriptsParsed  int
	ExecContext    string
}

// ID is the composite (frame_id, loader_id) identity.
func (f FrameAttrs) ID() string {
	return f.FrameID + "-" + f.LoaderID
}

// Row materializes the Frame node row.
func (f FrameAttrs) Row(sessionID string) Row {
	p := newProps(sessionID)
	p["frame_id"] = f.FrameID
	p["loader_id"] = f.LoaderID
	p["url"] = orNone(f.URL)
	p["securityOrigin"] = orNone(f.SecurityOrigin)
	p["mimeType"] = orNone(f.MimeType)
	p["name"] = orNone(f.Name)
	p["type"] = orNone(f.Type)
	p["requests"] = itoa(f.Requests)
	p["responses"] = itoa(f.Responses)
	p["scripts_parsed"] = itoa(f.ScriptsParsed)
	p["exec_context"] = orNone(f.ExecContext)
	return Row{Label: LabelFrame, ID: f.ID(), Properties: p}
}

// Script is a scriptParsed-derived node, identified by
// scriptId-frameId-loaderId. Merge policy: a "None" url is superseded by
// a later non-"None" url.
type Script struct {
	ScriptID    string
	FrameID     string
	LoaderID    string
	URL         string
	Hash        string
	ExecContext string
}

// ID computes the composite script identity.
func (s Script) ID() string {
	return s.ScriptID + "-" + s.FrameID + "-" + s.LoaderID
}

func (s Script) Row(sessionID string) Row {
	p := newProps(sessionID)
	p["frameId"] = s.FrameID
	p["loaderId"] = s.LoaderID
	p["scriptId"] = s.ScriptID
	p["url"] = orNone(s.URL)
	p["hash"] = orNone(s.Hash)
	p["exec_context"] = orNone(s.ExecContext)
	return Row{Label: LabelScript, ID: s.ID(), Properties: p}
}

// mergeScript implements the documented merge rule: a non-"None" url
// supersedes a "None" url; other attributes are last-writer-wins.
func mergeScript(prev, next Script) Script {
	merged := next
	if merged.URL == none || merged.URL == "" {
		merged.URL = prev.URL
	}
	return merged
}

// Parser is the synthetic "script" node representing the HTML parser as a
// request initiator.
type Parser struct {
	FrameID  string
	LoaderID string
}

func (p Parser) ID() string {
	return "parser-" + p.FrameID + "-" + p.LoaderID
}

func (p Parser) Row(sessionID string) Row {
	props := newProps(sessionID)
	props["frameId"] = p.FrameID
	props["loaderId"] = p.LoaderID
	return Row{Label: LabelParser, ID: p.ID(), Properties: props}
}

// Resource is a URL-path-only (no query) node so replays of the same
// endpoint collapse onto the same id.
type Resource struct {
	Path   string // netloc + path
	Domain string
	Type   string
}

func (r Resource) ID() string {
	return sha256Hex(r.Path)
}

func (r Resource) Row(sessionID string) Row {
	props := newProps(sessionID)
	props["path"] = r.Path
	props["domain"] = r.Domain
	props["type"] = orNone(r.Type)
	return Row{Label: LabelResource, ID: r.ID(), Properties: props}
}

// Host is identified by remote IP.
type Host struct {
	RemoteIP string
	Domain   string
	Server   string
}

func (h Host) ID() string {
	return h.RemoteIP
}

func (h Host) Row(sessionID string) Row {
	props := newProps(sessionID)
	props["rip"] = h.RemoteIP
	props["domain"] = orNone(h.Domain)
	props["server"] = orNone(h.Server)
	return Row{Label: LabelHost, ID: h.ID(), Properties: props}
}

// UserRow is the invoking user's node row, keyed by its id.
func UserRow(sessionID, userID string) Row {
	return Row{Label: LabelUser, ID: userID, Properties: newProps(sessionID)}
}

// SessionRow is the Audit Session's own node row. The user-agent's ";"
// characters must already have been replaced with ":" by the caller
// (internal/session does this at construction).
func SessionRow(sessionID, userAgent string) Row {
	props := newProps(sessionID)
	props["user-agent"] = userAgent
	return Row{Label: LabelSession, ID: sessionID, Properties: props}
}

// StartedEdge links the user to the session: user -> session.
func StartedEdge(sessionID, userID string) Row {
	return Row{Label: LabelStarted, Start: userID, End: sessionID, Properties: newProps(sessionID)}
}

// FrameAttachedEdge links parent -> child, optionally carrying the
// attaching call frame's scriptId/url.
func FrameAttachedEdge(sessionID, parentID, childID, creatorScriptID, creatorURL string) Row {
	props := newProps(sessionID)
	if creatorScriptID != "" {
		props["scriptId"] = creatorScriptID
		props["url"] = creatorURL
	}
	return Row{Label: LabelFrameAttached, Start: parentID, End: childID, Properties: props}
}

// NavigatedEdge links the previous frame identity to the new one.
func NavigatedEdge(sessionID, fromID, toID, transitionType, destination string) Row {
	props := newProps(sessionID)
	props["reason"] = orNone(transitionType)
	props["destination"] = orNone(destination)
	return Row{Label: LabelNavigated, Start: fromID, End: toID, Properties: props}
}

// VersionEdge links the same frame's previous loader identity to its new
// one.
func VersionEdge(sessionID, fromID, toID string) Row {
	return Row{Label: LabelVersion, Start: fromID, End: toID, Properties: newProps(sessionID)}
}

// CreatedEdge links the new frame to the script that created it.
func CreatedEdge(sessionID, frameID, creatorScriptID string) Row {
	return Row{Label: LabelCreated, Start: frameID, End: creatorScriptID, Properties: newProps(sessionID)}
}

// OpenedEdge links the opening page to the opened page.
func OpenedEdge(sessionID, openerID, openedID string) Row {
	return Row{Label: LabelOpened, Start: openerID, End: openedID, Properties: newProps(sessionID)}
}

// RequestAttrs are the properties of a Request edge, which links an
// initiator (script or parser id) to a resource.
type RequestAttrs struct {
	InitiatorID    string
	ResourceID     string
	RequestID      string
	Method         string
	Timestamp      string
	WallTime       string
	HasUserGesture string
	Type           string
}

func (r RequestAttrs) Row(sessionID string) Row {
	props := newProps(sessionID)
	props["requestId"] = r.RequestID
	props["method"] = r.Method
	props["timestamp"] = r.Timestamp
	props["wallTime"] = r.WallTime
	props["hasUserGesture"] = r.HasUserGesture
	props["type"] = r.Type
	return Row{Label: LabelRequest, Start: r.InitiatorID, End: r.ResourceID, Properties: props}
}

// ResponseEdge runs resource -> initiator (reversing the request edge's
// direction), per spec.md §3.
func ResponseEdge(sessionID, resourceID, initiatorID, status, rip string) Row {
	props := newProps(sessionID)
	props["status"] = status
	if rip != "" {
		props["rip"] = rip
	}
	return Row{Label: LabelResponse, Start: resourceID, End: initiatorID, Properties: props}
}

// DownloadEdge links the owning frame to the download's URL path.
func DownloadEdge(sessionID, frameID, path, domain string) Row {
	props := newProps(sessionID)
	props["domain"] = domain
	props["path"] = path
	return Row{Label: LabelDownload, Start: frameID, End: path, Properties: props}
}

// RedirectRecord is a node (not an edge), id "<oldLoaderId>-<requestId>".
type RedirectRecord struct {
	OldLoaderID string
	NewLoaderID string
	FrameID     string
	ScriptID    string
	RequestID   string
}

func (r RedirectRecord) ID() string {
	return r.OldLoaderID + "-" + r.RequestID
}

func (r RedirectRecord) Row(sessionID string) Row {
	props := newProps(sessionID)
	props["oldLoaderId"] = r.OldLoaderID
	props["newLoaderId"] = r.NewLoaderID
	props["frameId"] = r.FrameID
	props["scriptId"] = orNone(r.ScriptID)
	return Row{Label: LabelRedirect, ID: r.ID(), Properties: props}
}

func orNone(s string) string {
	if s == "" {
		return none
	}
	return s
}
