package frameengine

import (
	"context"
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/debugger"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/require"

	"github.com/cdpaudit/provenance/internal/graph"
)

type fakeSink struct {
	rows []graph.Row
}

func (s *fakeSink) Add(r graph.Row) { s.rows = append(s.rows, r) }

func (s *fakeSink) labels() []string {
	out := make([]string, len(s.rows))
	for i, r := range s.rows {
		out[i] = r.Label
	}
	return out
}

func newTestEngine() (*Engine, *fakeSink) {
	sink := &fakeSink{}
	store := graph.NewStore(sink, "sess")
	return New(store), sink
}

// Simple top-level page load: targetCreated, then the first real
// navigation sets the frame's loader for the first time.
func TestSimplePageLoad(t *testing.T) {
	t.Parallel()
	e, sink := newTestEngine()

	require.NoError(t, e.OnTargetCreated(&target.Info{
		TargetID: target.ID("F1"),
		Type:     "page",
		URL:      "about:blank",
	}))

	require.NoError(t, e.OnFrameNavigated(&page.EventFrameNavigated{
		Frame: &cdp.Frame{
			ID:       cdp.FrameID("F1"),
			LoaderID: cdp.LoaderID("L1"),
			URL:      "https://example.com/",
			MimeType: "text/html",
		},
		Type: page.NavigationTypeNavigation,
	}))

	f := e.getFrame("F1")
	require.NotNil(t, f)
	require.True(t, f.HasNavigated)
	require.Equal(t, "L1", f.Attrs.LoaderID)
	require.False(t, f.IsLogged, "a frame is not logged until it is superseded or the engine shuts down")

	e.Shutdown()
	require.Contains(t, sink.labels(), graph.LabelFrame)
}

// An iframe attaches to a page that already exists, then navigates for
// the first time; on shutdown a FrameAttached edge must appear alongside
// the Frame node.
func TestIframeAttachThenNavigate(t *testing.T) {
	t.Parallel()
	e, sink := newTestEngine()

	require.NoError(t, e.OnTargetCreated(&target.Info{TargetID: target.ID("P1"), Type: "page", URL: "https://example.com/"}))
	require.NoError(t, e.OnFrameNavigated(&page.EventFrameNavigated{
		Frame: &cdp.Frame{ID: cdp.FrameID("P1"), LoaderID: cdp.LoaderID("L1"), URL: "https://example.com/"},
	}))

	require.NoError(t, e.OnFrameAttached(&page.EventFrameAttached{
		FrameID:       cdp.FrameID("F2"),
		ParentFrameID: cdp.FrameID("P1"),
	}))

	require.NoError(t, e.OnFrameNavigated(&page.EventFrameNavigated{
		Frame: &cdp.Frame{ID: cdp.FrameID("F2"), LoaderID: cdp.LoaderID("L2"), URL: "https://ads.example.com/"},
	}))

	e.Shutdown()
	require.Contains(t, sink.labels(), graph.LabelFrameAttached)
}

// frameAttached for an unknown parent is an anomaly, never a panic.
func TestFrameAttachedUnknownParentIsAnomaly(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine()

	err := e.OnFrameAttached(&page.EventFrameAttached{
		FrameID:       cdp.FrameID("F2"),
		ParentFrameID: cdp.FrameID("GHOST"),
	})
	require.Error(t, err)
}

// Cross-document navigation: a second navigation with a different
// loader id logs the outgoing frame version immediately, before any
// shutdown, and links the new identity back to it through PrevVersion.
func TestCrossDocumentNavigationLogsOutgoingVersion(t *testing.T) {
	t.Parallel()
	e, sink := newTestEngine()

	require.NoError(t, e.OnTargetCreated(&target.Info{TargetID: target.ID("F1"), Type: "page", URL: "about:blank"}))
	require.NoError(t, e.OnFrameNavigated(&page.EventFrameNavigated{
		Frame: &cdp.Frame{ID: cdp.FrameID("F1"), LoaderID: cdp.LoaderID("L1"), URL: "https://example.com/a"},
	}))
	require.NoError(t, e.OnFrameNavigated(&page.EventFrameNavigated{
		Frame: &cdp.Frame{ID: cdp.FrameID("F1"), LoaderID: cdp.LoaderID("L2"), URL: "https://example.com/b"},
		Type:  page.NavigationTypeNavigation,
	}))

	require.Contains(t, sink.labels(), graph.LabelFrame, "the outgoing version must be logged without waiting for shutdown")

	current := e.getFrame("F1")
	require.Equal(t, "L2", current.Attrs.LoaderID)
	require.NotNil(t, current.PrevVersion)
	require.Equal(t, "L1", current.PrevVersion.Attrs.LoaderID)
}

// A same-document navigation (identical loader id, e.g. history.pushState)
// must not re-trigger any logging.
func TestSameDocumentNavigationIsANoop(t *testing.T) {
	t.Parallel()
	e, sink := newTestEngine()

	require.NoError(t, e.OnTargetCreated(&target.Info{TargetID: target.ID("F1"), Type: "page", URL: "about:blank"}))
	require.NoError(t, e.OnFrameNavigated(&page.EventFrameNavigated{
		Frame: &cdp.Frame{ID: cdp.FrameID("F1"), LoaderID: cdp.LoaderID("L1"), URL: "https://example.com/a"},
	}))
	before := len(sink.rows)

	require.NoError(t, e.OnFrameNavigated(&page.EventFrameNavigated{
		Frame: &cdp.Frame{ID: cdp.FrameID("F1"), LoaderID: cdp.LoaderID("L1"), URL: "https://example.com/a#section"},
	}))

	require.Equal(t, before, len(sink.rows))
}

// A script-initiated request whose requestId equals its own loaderId, on a
// frame that already has a loader, is a redirect: the Redirect Detector
// must fire immediately, independent of frame logging.
func TestScriptInitiatedRedirectIsDetected(t *testing.T) {
	t.Parallel()
	e, sink := newTestEngine()

	require.NoError(t, e.OnTargetCreated(&target.Info{TargetID: target.ID("F1"), Type: "page", URL: "about:blank"}))
	require.NoError(t, e.OnFrameNavigated(&page.EventFrameNavigated{
		Frame: &cdp.Frame{ID: cdp.FrameID("F1"), LoaderID: cdp.LoaderID("L1"), URL: "https://example.com/"},
	}))

	require.NoError(t, e.OnRequestSent(&network.EventRequestWillBeSent{
		RequestID:   network.RequestID("L1"),
		LoaderID:    network.LoaderID("L1"),
		FrameID:     cdp.FrameID("F1"),
		DocumentURL: "https://example.com/",
		Type:        network.ResourceTypeDocument,
		Request:     &network.Request{URL: "https://example.com/redirected", Method: "GET"},
		Initiator: &network.Initiator{
			Type: network.InitiatorTypeScript,
			Stack: &runtime.StackTrace{
				CallFrames: []runtime.CallFrame{{ScriptID: runtime.ScriptID("S1"), URL: "https://example.com/a.js"}},
			},
		},
	}))

	require.Contains(t, sink.labels(), graph.LabelRedirect)
}

// A request arrives before the Page inspector has reified the frame at
// all: the engine must lazily create the frame instead of erroring.
func TestNetworkRaceLazilyCreatesFrame(t *testing.T) {
	t.Parallel()
	e, sink := newTestEngine()

	require.NoError(t, e.OnRequestSent(&network.EventRequestWillBeSent{
		RequestID:   network.RequestID("R1"),
		LoaderID:    network.LoaderID("L9"),
		FrameID:     cdp.FrameID("F9"),
		DocumentURL: "https://example.com/",
		Type:        network.ResourceTypeDocument,
		Request:     &network.Request{URL: "https://example.com/", Method: "GET"},
	}))

	f := e.getFrame("F9")
	require.NotNil(t, f)
	require.True(t, f.NetworkSetLoader)
	require.True(t, f.NetworkInserted)
	require.Equal(t, 1, f.Attrs.Requests)
	require.Contains(t, sink.labels(), graph.LabelRequest)
}

// A response backlinks to its recorded request edge and carries the
// response's remote IP as a Host node.
func TestResponseReceivedEmitsHostAndResponseEdge(t *testing.T) {
	t.Parallel()
	e, sink := newTestEngine()

	require.NoError(t, e.OnRequestSent(&network.EventRequestWillBeSent{
		RequestID:   network.RequestID("R1"),
		LoaderID:    network.LoaderID("L1"),
		FrameID:     cdp.FrameID("F1"),
		DocumentURL: "https://example.com/",
		Type:        network.ResourceTypeDocument,
		Request:     &network.Request{URL: "https://example.com/", Method: "GET"},
	}))

	require.NoError(t, e.OnResponseReceived(&network.EventResponseReceived{
		RequestID: network.RequestID("R1"),
		FrameID:   cdp.FrameID("F1"),
		Response: &network.Response{
			URL:             "https://example.com/",
			Status:          200,
			RemoteIPAddress: "93.184.216.34",
		},
	}))

	require.Contains(t, sink.labels(), graph.LabelHost)
	require.Contains(t, sink.labels(), graph.LabelResponse)
}

// A response with no matching recorded request (e.g. a preflight this
// auditor never saw requested) is ignored rather than erroring.
func TestResponseReceivedWithoutPendingRequestIsIgnored(t *testing.T) {
	t.Parallel()
	e, sink := newTestEngine()

	require.NoError(t, e.OnResponseReceived(&network.EventResponseReceived{
		RequestID: network.RequestID("GHOST"),
		Response:  &network.Response{Status: 200},
	}))
	require.Empty(t, sink.rows)
}

// A pre-existing tab is bootstrapped via a synchronous Page.getFrameTree
// call when the auditor never observed its creation.
func TestTargetAttachedBootstrapsViaFrameTree(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	store := graph.NewStore(sink, "sess")
	e := New(store, WithFrameTreeFetcher(func(ctx context.Context, sessionID string) (*page.FrameTree, error) {
		return &page.FrameTree{
			Frame: &cdp.Frame{ID: cdp.FrameID("F1"), LoaderID: cdp.LoaderID("L1"), URL: "https://example.com/", MimeType: "text/html"},
		}, nil
	}))

	require.NoError(t, e.OnTargetAttached(context.Background(), &target.Info{TargetID: target.ID("F1"), Type: "page"}, "sess1"))

	f := e.getFrame("F1")
	require.NotNil(t, f)
	require.True(t, f.HasNavigated)
	require.True(t, f.HasAttached)
	require.Equal(t, "L1", f.Attrs.LoaderID)
}

// Once a frame's creation was already observed via targetCreated,
// attaching must not re-bootstrap it through getFrameTree.
func TestTargetAttachedSkipsWhenCreationAlreadyObserved(t *testing.T) {
	t.Parallel()
	fetcherCalled := false
	sink := &fakeSink{}
	store := graph.NewStore(sink, "sess")
	e := New(store, WithFrameTreeFetcher(func(ctx context.Context, sessionID string) (*page.FrameTree, error) {
		fetcherCalled = true
		return nil, nil
	}))

	require.NoError(t, e.OnTargetCreated(&target.Info{TargetID: target.ID("F1"), Type: "page", URL: "about:blank"}))
	require.NoError(t, e.OnTargetAttached(context.Background(), &target.Info{TargetID: target.ID("F1"), Type: "page"}, "sess1"))

	require.False(t, fetcherCalled)
}

// scriptParsed events queue against their owning frame and are only
// emitted once that frame logs.
func TestScriptParsedQueuesUntilFrameLogs(t *testing.T) {
	t.Parallel()
	e, sink := newTestEngine()

	require.NoError(t, e.OnTargetCreated(&target.Info{TargetID: target.ID("F1"), Type: "page", URL: "about:blank"}))
	require.NoError(t, e.OnFrameNavigated(&page.EventFrameNavigated{
		Frame: &cdp.Frame{ID: cdp.FrameID("F1"), LoaderID: cdp.LoaderID("L1"), URL: "https://example.com/"},
	}))

	require.NoError(t, e.OnScriptParsed(&debugger.EventScriptParsed{
		ScriptID:                runtime.ScriptID("S1"),
		URL:                     "https://example.com/a.js",
		ExecutionContextID:      runtime.ExecutionContextID(7),
		ExecutionContextAuxData: []byte(`{"frameId":"F1"}`),
	}))
	require.Empty(t, sink.rows, "a queued script must not be emitted before its frame logs")

	e.Shutdown()
	require.Contains(t, sink.labels(), graph.LabelScript)
}

// A download event emits a Download edge from the owning frame to the
// downloaded path, independent of frame logging.
func TestOnDownloadEmitsEdge(t *testing.T) {
	t.Parallel()
	e, sink := newTestEngine()

	e.OnDownload("F1", "https://example.com/files/report.pdf")

	require.Len(t, sink.rows, 1)
	require.Equal(t, graph.LabelDownload, sink.rows[0].Label)
	require.Equal(t, "F1", sink.rows[0].Start)
}
