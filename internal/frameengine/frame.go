// Package frameengine is the stateful heart of the auditor: it maintains
// the frame table, resolves the out-of-order ordering of attach/navigate/
// network/script events into a consistent frame/loader lifecycle, and
// fires graph-emission callbacks at the correct moment.
package frameengine

import (
	"github.com/cdpaudit/provenance/internal/graph"
)

// CallerInfo is the call-frame (script id + url) attributed to an event
// that created or navigated a frame, when CDP supplied a JS stack.
type CallerInfo struct {
	ScriptID string
	URL      string
}

// Frame is the explicit state record described in spec.md §9: an
// attribute set (graph.FrameAttrs) plus the five boolean lifecycle
// latches and the back-references that resolve out-of-order delivery.
type Frame struct {
	Attrs graph.FrameAttrs

	ObservedCreation bool
	HasAttached      bool
	HasNavigated     bool
	NetworkSetLoader bool
	NetworkInserted  bool
	IsLogged         bool

	Parent        *Frame
	Opener        *Frame
	Creator       *CallerInfo
	NavigatedFrom *Frame
	PrevVersion   *Frame

	TransitionType string
	Destination    string

	// ScriptQueue buffers scriptParsed events received before the frame's
	// execution context and loader were known; drained at log time.
	ScriptQueue []queuedScript
}

type queuedScript struct {
	ScriptID    string
	URL         string
	Hash        string
	ExecContext string
}

func newFrame(frameID string) *Frame {
	return &Frame{Attrs: graph.FrameAttrs{FrameID: frameID}}
}

// hasLoader reports whether the frame's loader id has been set; an unset
// loader is the Go equivalent of the original's sentinel loader_id == 0.
func (f *Frame) hasLoader() bool { return f.Attrs.LoaderID != "" }

func (f *Frame) bumpRequests()      { f.Attrs.Requests++ }
func (f *Frame) bumpResponses()     { f.Attrs.Responses++ }
func (f *Frame) bumpScriptsParsed() { f.Attrs.ScriptsParsed++ }
