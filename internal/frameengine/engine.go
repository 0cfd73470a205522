package frameengine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/debugger"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/sirupsen/logrus"

	"github.com/cdpaudit/provenance/internal/auditerr"
	"github.com/cdpaudit/provenance/internal/auditlog"
	"github.com/cdpaudit/provenance/internal/graph"
)

const component = "frameengine"

// FrameTreeFetcher synchronously fetches the frame tree for a bootstrap
// session, matching Page.getFrameTree used in on_target_attached. It is
// satisfied by a cdp.Executor-backed call from internal/mux, kept as an
// interface here to avoid a dependency from the Frame Engine onto the
// transport.
type FrameTreeFetcher func(ctx context.Context, sessionID string) (*page.FrameTree, error)

type pendingRequest struct {
	InitiatorID string
	ResourceID  string
}

// Engine owns the frame table: a map frame_id -> *Frame. A Frame may be
// reified by targetCreated, frameAttached, frameNavigated,
// requestWillBeSent, or scriptParsed, whichever arrives first.
type Engine struct {
	table    map[string]*Frame
	store    *graph.Store
	requests map[network.RequestID]pendingRequest
	log      *logrus.Logger

	getFrameTree FrameTreeFetcher
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger injects a logrus logger.
func WithLogger(l *logrus.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithFrameTreeFetcher injects the synchronous Page.getFrameTree call
// used to bootstrap a pre-existing tab.
func WithFrameTreeFetcher(f FrameTreeFetcher) Option {
	return func(e *Engine) { e.getFrameTree = f }
}

// New builds an Engine bound to store.
func New(store *graph.Store, opts ...Option) *Engine {
	e := &Engine{
		table:    make(map[string]*Frame),
		store:    store,
		requests: make(map[network.RequestID]pendingRequest),
		log:      auditlog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) getFrame(frameID string) *Frame {
	return e.table[frameID]
}

// emplace gets a frame, inserting a new bare one if it doesn't exist.
func (e *Engine) emplace(frameID string) *Frame {
	if f, ok := e.table[frameID]; ok {
		return f
	}
	f := newFrame(frameID)
	e.table[frameID] = f
	return f
}

// OnTargetCreated implements on_target_created(info) per spec.md §4.4.
func (e *Engine) OnTargetCreated(info *target.Info) error {
	if info.Type != "iframe" && info.Type != "page" {
		return nil
	}
	frameID := string(info.TargetID)
	frame := e.emplace(frameID)

	if info.Type == "page" && info.URL != "" && info.OpenerID != "" {
		opener := e.getFrame(string(info.OpenerID))
		if opener == nil {
			return auditerr.New(auditerr.Anomaly, component,
				fmt.Errorf("target %s: opener %s not in frame table", frameID, info.OpenerID))
		}
		frame.Opener = opener
	}
	frame.ObservedCreation = true
	if info.URL != "" {
		frame.Attrs.URL = info.URL
	}
	if info.Title != "" {
		frame.Attrs.Name = info.Title
	}
	frame.Attrs.Type = info.Type
	return nil
}

// OnTargetAttached implements on_target_attached(info) per spec.md §4.4:
// for page targets only, bootstrap a pre-existing frame via a synchronous
// Page.getFrameTree call when the auditor never saw its creation.
func (e *Engine) OnTargetAttached(ctx context.Context, info *target.Info, sessionID string) error {
	if info.Type != "page" {
		return nil
	}
	frameID := string(info.TargetID)
	if f := e.getFrame(frameID); f != nil && f.ObservedCreation {
		return nil
	}
	if e.getFrameTree == nil {
		return auditerr.New(auditerr.Fatal, component, fmt.Errorf("no frame tree fetcher configured"))
	}
	tree, err := e.getFrameTree(ctx, sessionID)
	if err != nil {
		return auditerr.New(auditerr.Transient, component, err)
	}
	root := tree.Frame
	frame := frameFromCDP(root)
	frame.HasNavigated = true
	frame.HasAttached = true
	e.table[frame.Attrs.FrameID] = frame
	return nil
}

func frameFromCDP(f *cdp.Frame) *Frame {
	fr := newFrame(string(f.ID))
	fr.Attrs.LoaderID = string(f.LoaderID)
	fr.Attrs.URL = f.URL + f.URLFragment
	fr.Attrs.SecurityOrigin = f.SecurityOrigin
	fr.Attrs.MimeType = f.MimeType
	fr.Attrs.Name = f.Name
	return fr
}

// OnFrameAttached implements on_frame_attached per spec.md §4.4: requires
// the parent to exist, reifies the child, and records the attaching call
// frame as Creator.
func (e *Engine) OnFrameAttached(ev *page.EventFrameAttached) error {
	parent := e.getFrame(string(ev.ParentFrameID))
	if parent == nil {
		return auditerr.New(auditerr.Anomaly, component,
			fmt.Errorf("frameAttached: parent %s does not exist", ev.ParentFrameID))
	}
	child := e.emplace(string(ev.FrameID))
	if child.Parent != nil && child.Parent.Attrs.FrameID != parent.Attrs.FrameID {
		return auditerr.New(auditerr.Anomaly, component,
			fmt.Errorf("frameAttached: frame %s already has a different parent", ev.FrameID))
	}
	if ev.Stack != nil && len(ev.Stack.CallFrames) > 0 {
		cf := ev.Stack.CallFrames[0]
		child.Creator = &CallerInfo{ScriptID: string(cf.ScriptID), URL: cf.URL}
	}
	child.Parent = parent
	child.HasAttached = true
	return nil
}

// OnFrameNavigated implements on_frame_navigated per spec.md §4.4's
// four-branch cross-document navigation logic.
func (e *Engine) OnFrameNavigated(ev *page.EventFrameNavigated) error {
	incoming := frameFromCDP(ev.Frame)
	current := e.getFrame(incoming.Attrs.FrameID)

	switch {
	case current == nil:
		// An iframe navigated before attach (rare; observed on sites like
		// CNN, Forbes). Accept only if the incoming url is about:blank.
		if incoming.Attrs.URL != "about:blank" {
			return auditerr.New(auditerr.Anomaly, component,
				fmt.Errorf("frameNavigated: unknown frame %s navigated to non-blank url %q",
					incoming.Attrs.FrameID, incoming.Attrs.URL))
		}
		incoming.HasNavigated = true
		e.table[incoming.Attrs.FrameID] = incoming

	case current.Attrs.LoaderID == incoming.Attrs.LoaderID:
		// Same-document navigation: nothing to log.
		current.HasNavigated = true

	case !current.hasLoader():
		// Loader never set: absorb the incoming attributes.
		current.Attrs.URL = incoming.Attrs.URL
		current.Attrs.SecurityOrigin = incoming.Attrs.SecurityOrigin
		current.Attrs.MimeType = incoming.Attrs.MimeType
		current.Attrs.Name = incoming.Attrs.Name
		current.Attrs.LoaderID = incoming.Attrs.LoaderID
		current.HasNavigated = true

	default:
		// Cross-document navigation: log the current version, then swap
		// in a fresh Frame identity linked back to it.
		e.logFrame(current)
		incoming.HasAttached = current.HasAttached
		incoming.PrevVersion = current
		incoming.NavigatedFrom = current
		incoming.HasNavigated = true
		if ev.Type != "" {
			incoming.TransitionType = string(ev.Type)
		}
		incoming.Destination = incoming.Attrs.URL
		e.table[incoming.Attrs.FrameID] = incoming
	}
	return nil
}

// handleRedirectRequest is the Redirect Detector (spec.md §4.5): fires
// inside on_request_sent when a script-initiated request is a top-level
// document load (its requestId equals its own loaderId) on a frame that
// already has a loader.
func (e *Engine) handleRedirectRequest(ev *network.EventRequestWillBeSent, frame *Frame) {
	if frame == nil || !frame.hasLoader() {
		return
	}
	if string(ev.RequestID) != string(ev.LoaderID) {
		return
	}
	if ev.Initiator == nil || ev.Initiator.Type != network.InitiatorTypeScript {
		return
	}
	var scriptID string
	if ev.Initiator.Stack != nil && len(ev.Initiator.Stack.CallFrames) > 0 {
		scriptID = string(ev.Initiator.Stack.CallFrames[0].ScriptID)
	}
	rec := graph.RedirectRecord{
		OldLoaderID: frame.Attrs.LoaderID,
		NewLoaderID: string(ev.LoaderID),
		FrameID:     string(ev.FrameID),
		ScriptID:    scriptID,
		RequestID:   string(ev.RequestID),
	}
	e.store.Emit(rec.Row(e.store.SessionID()))
}

// OnRequestSent implements on_request_sent per spec.md §4.4.
func (e *Engine) OnRequestSent(ev *network.EventRequestWillBeSent) error {
	frame := e.getFrame(string(ev.FrameID))
	e.handleRedirectRequest(ev, frame)

	if frame == nil {
		// The network layer out-raced the page inspector.
		frame = e.emplace(string(ev.FrameID))
		frame.Attrs.LoaderID = string(ev.LoaderID)
		frame.NetworkSetLoader = true
		frame.NetworkInserted = true
		if frame.Attrs.URL == "" {
			frame.Attrs.URL = ev.DocumentURL
		}
		frame.bumpRequests()
	} else if ev.Initiator != nil && ev.Initiator.Type == network.InitiatorTypeParser {
		if !frame.HasNavigated || frame.Attrs.LoaderID != string(ev.LoaderID) {
			return auditerr.New(auditerr.Anomaly, component,
				fmt.Errorf("requestWillBeSent: parser-initiated request on frame %s with mismatched loader", ev.FrameID))
		}
		frame.bumpRequests()
		return e.emitRequestEdge(ev, frame)
	} else if !frame.HasNavigated {
		if frame.hasLoader() && !frame.NetworkSetLoader {
			return auditerr.New(auditerr.Anomaly, component,
				fmt.Errorf("requestWillBeSent: frame %s has a loader nobody set via network yet", ev.FrameID))
		}
		frame.Attrs.LoaderID = string(ev.LoaderID)
		frame.NetworkSetLoader = true
		if frame.Attrs.URL == "" {
			frame.Attrs.URL = ev.DocumentURL
		}
		frame.bumpRequests()
	}

	return e.emitRequestEdge(ev, frame)
}

func (e *Engine) emitRequestEdge(ev *network.EventRequestWillBeSent, frame *Frame) error {
	var initiatorID string
	switch {
	case ev.Initiator != nil && ev.Initiator.Type == network.InitiatorTypeScript:
		var sc graph.Script
		if ev.Initiator.Stack != nil && len(ev.Initiator.Stack.CallFrames) > 0 {
			cf := ev.Initiator.Stack.CallFrames[0]
			sc = graph.Script{ScriptID: string(cf.ScriptID), FrameID: string(ev.FrameID), LoaderID: string(ev.LoaderID), URL: cf.URL}
		} else {
			return auditerr.New(auditerr.Anomaly, component, fmt.Errorf("requestWillBeSent: script initiator with no call stack"))
		}
		sc = e.store.ResolveScript(sc)
		initiatorID = sc.ID()
	case ev.Initiator != nil && ev.Initiator.Type == network.InitiatorTypeParser:
		p := graph.Parser{FrameID: string(ev.FrameID), LoaderID: string(ev.LoaderID)}
		e.store.EmitParser(p)
		initiatorID = p.ID()
	default:
		typ := "other"
		if ev.Initiator != nil {
			typ = string(ev.Initiator.Type)
		}
		sc := graph.Script{ScriptID: typ, FrameID: string(ev.FrameID), LoaderID: string(ev.LoaderID)}
		sc = e.store.ResolveScript(sc)
		initiatorID = sc.ID()
	}

	resourceURL := ""
	resourceType := string(ev.Type)
	if ev.Request != nil {
		resourceURL = ev.Request.URL
	}
	resource := e.store.NewResourceFromRequestURL(resourceURL, resourceType)

	method := ""
	hasUserGesture := "false"
	if ev.Request != nil {
		method = ev.Request.Method
	}
	if ev.HasUserGesture {
		hasUserGesture = "true"
	}
	row := graph.RequestAttrs{
		InitiatorID:    initiatorID,
		ResourceID:     resource.ID(),
		RequestID:      string(ev.RequestID),
		Method:         method,
		Timestamp:      fmt.Sprintf("%v", ev.Timestamp),
		WallTime:       fmt.Sprintf("%v", ev.WallTime),
		HasUserGesture: hasUserGesture,
		Type:           resourceType,
	}
	e.store.Emit(row.Row(e.store.SessionID()))
	e.requests[ev.RequestID] = pendingRequest{InitiatorID: initiatorID, ResourceID: resource.ID()}
	return nil
}

// OnResponseReceived implements on_response_received per spec.md §4.4:
// look up the pending request edge by requestId and emit a Response edge
// resource -> initiator.
func (e *Engine) OnResponseReceived(ev *network.EventResponseReceived) error {
	pending, ok := e.requests[ev.RequestID]
	if !ok {
		// No matching request edge recorded; nothing to backlink.
		return nil
	}
	if frame := e.getFrame(string(ev.FrameID)); frame != nil {
		frame.bumpResponses()
	}

	var remoteIP, server, respURL string
	if ev.Response != nil {
		remoteIP = ev.Response.RemoteIPAddress
		respURL = ev.Response.URL
		if ev.Response.Headers != nil {
			if v, ok := headerValue(ev.Response.Headers, "Server"); ok {
				server = v
			}
		}
	}
	host := e.store.NewHostFromResponse(remoteIP, respURL, server)
	var rip string
	if host != nil {
		rip = host.RemoteIP
	}
	status := ""
	if ev.Response != nil {
		status = fmt.Sprintf("%d", ev.Response.Status)
	}
	e.store.Emit(graph.ResponseEdge(e.store.SessionID(), pending.ResourceID, pending.InitiatorID, status, rip))
	return nil
}

func headerValue(headers network.Headers, key string) (string, bool) {
	var raw map[string]interface{}
	b, err := json.Marshal(headers)
	if err != nil {
		return "", false
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return "", false
	}
	if v, ok := raw[key]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	for k, v := range raw {
		if equalFold(k, key) {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

type auxData struct {
	FrameID string `json:"frameId"`
}

// OnScriptParsed implements on_script_parsed per spec.md §4.4: extracts
// the owning frame id, bumps counters, and enqueues the full event for
// deferred emission at log_frame time.
func (e *Engine) OnScriptParsed(ev *debugger.EventScriptParsed) error {
	if len(ev.ExecutionContextAuxData) == 0 {
		return nil
	}
	var aux auxData
	if err := json.Unmarshal(ev.ExecutionContextAuxData, &aux); err != nil || aux.FrameID == "" {
		return nil
	}

	frame := e.emplace(aux.FrameID)
	execContext := fmt.Sprintf("%d", int64(ev.ExecutionContextID))
	frame.Attrs.ExecContext = execContext
	frame.bumpScriptsParsed()
	frame.ScriptQueue = append(frame.ScriptQueue, queuedScript{
		ScriptID:    string(ev.ScriptID),
		URL:         ev.URL,
		Hash:        ev.Hash,
		ExecContext: execContext,
	})
	return nil
}

// OnDownload implements on_download per spec.md §4.4.
func (e *Engine) OnDownload(frameID, rawURL string) {
	u, err := url.Parse(rawURL)
	path, domain := rawURL, ""
	if err == nil {
		path, domain = u.Path, u.Host
	}
	e.store.Emit(graph.DownloadEdge(e.store.SessionID(), frameID, path, domain))
}

// logFrame implements Frame logging per spec.md §4.4: Frame node, then
// the drained script queue, then FrameAttached, Navigated, Version,
// Created, Opened, in that fixed order.
func (e *Engine) logFrame(f *Frame) {
	if f.IsLogged {
		return
	}
	e.store.EmitFrame(f.Attrs)

	for _, qs := range f.ScriptQueue {
		sc := graph.Script{
			ScriptID:    qs.ScriptID,
			FrameID:     f.Attrs.FrameID,
			LoaderID:    f.Attrs.LoaderID,
			URL:         qs.URL,
			Hash:        qs.Hash,
			ExecContext: qs.ExecContext,
		}
		sc = e.store.ResolveScript(sc)
		e.store.EmitScript(sc)
	}

	if f.Parent != nil {
		var scriptID, scriptURL string
		if f.Creator != nil {
			scriptID, scriptURL = f.Creator.ScriptID, f.Creator.URL
		}
		e.store.Emit(graph.FrameAttachedEdge(e.store.SessionID(), f.Parent.Attrs.ID(), f.Attrs.ID(), scriptID, scriptURL))
	}
	if f.NavigatedFrom != nil {
		e.store.Emit(graph.NavigatedEdge(e.store.SessionID(), f.NavigatedFrom.Attrs.ID(), f.Attrs.ID(), f.TransitionType, f.Destination))
	}
	if f.PrevVersion != nil {
		e.store.Emit(graph.VersionEdge(e.store.SessionID(), f.PrevVersion.Attrs.ID(), f.Attrs.ID()))
	}
	if f.Creator != nil && f.Parent != nil {
		sc := graph.Script{ScriptID: f.Creator.ScriptID, FrameID: f.Parent.Attrs.FrameID, LoaderID: f.Parent.Attrs.LoaderID}
		sc = e.store.ResolveScript(sc)
		e.store.Emit(graph.CreatedEdge(e.store.SessionID(), f.Attrs.ID(), sc.ID()))
	}
	if f.Opener != nil {
		e.store.Emit(graph.OpenedEdge(e.store.SessionID(), f.Opener.Attrs.ID(), f.Attrs.ID()))
	}
	f.IsLogged = true
}

// Shutdown logs every unlogged frame, matching handle_shutdown.
func (e *Engine) Shutdown() {
	for _, f := range e.table {
		if !f.IsLogged {
			e.logFrame(f)
		}
	}
}
