// Package graph is the Graph Materializer: typed node/edge constructors
// that enforce identity, dedup the superset-merge way for partially-known
// entities, and compute derived ids (URL hashes, composite frame/script
// ids).
package graph

// Label identifies which relation file a row belongs to. The set matches
// spec.md §6 exactly.
const (
	LabelFrame           = "frames"
	LabelScript          = "scripts"
	LabelParser          = "parser"
	LabelResource        = "resources"
	LabelHost            = "hosts"
	LabelDownload        = "download"
	LabelVersion         = "frame-edges"
	LabelFrameAttached   = "frame-attached"
	LabelNavigated       = "navigation-edges"
	LabelRequest         = "request-edges"
	LabelResponse        = "response-edges"
	LabelRedirect        = "redirect"
	LabelUser            = "user"
	LabelSession         = "session"
	LabelStarted         = "started"
	LabelCreated         = "created"
	LabelOpened          = "opened"
)

// none is the string stored for attributes that are not yet known, so that
// a later event can upgrade the value via the merge rule.
const none = "None"
