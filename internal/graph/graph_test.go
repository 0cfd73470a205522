package graph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	rows []Row
}

func (s *fakeSink) Add(r Row) { s.rows = append(s.rows, r) }

func TestFrameAttrsID(t *testing.T) {
	t.Parallel()
	f := FrameAttrs{FrameID: "F1", LoaderID: "L1"}
	require.Equal(t, "F1-L1", f.ID())
}

func TestFrameAttrsRowUsesNoneSentinel(t *testing.T) {
	t.Parallel()
	f := FrameAttrs{FrameID: "F1", LoaderID: "L1"}
	row := f.Row("sess")
	require.Equal(t, LabelFrame, row.Label)
	require.Equal(t, "F1-L1", row.ID)
	require.Equal(t, none, row.Properties["url"])
	require.Equal(t, "sess", row.Properties["global_session_id"])
	require.Equal(t, "0", row.Properties["requests"])
}

func TestMergeScriptAdoptsLaterURL(t *testing.T) {
	t.Parallel()
	prev := Script{ScriptID: "S1", FrameID: "F1", LoaderID: "L1", URL: "https://example.com/a.js"}
	next := Script{ScriptID: "S1", FrameID: "F1", LoaderID: "L1", URL: none}
	merged := mergeScript(prev, next)
	require.Equal(t, "https://example.com/a.js", merged.URL)

	next2 := Script{ScriptID: "S1", FrameID: "F1", LoaderID: "L1", URL: "https://example.com/b.js"}
	merged2 := mergeScript(prev, next2)
	require.Equal(t, "https://example.com/b.js", merged2.URL, "a later non-None url always supersedes")
}

func TestResourceIDIsContentAddressed(t *testing.T) {
	t.Parallel()
	r1 := Resource{Path: "example.com/a", Domain: "example.com", Type: "Document"}
	r2 := Resource{Path: "example.com/a", Domain: "example.com", Type: "Script"}
	require.Equal(t, r1.ID(), r2.ID(), "id is derived from path alone, not type")
}

func TestStoreResolveScriptDeduplicatesAndMerges(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	store := NewStore(sink, "sess")

	sc := store.ResolveScript(Script{ScriptID: "S1", FrameID: "F1", LoaderID: "L1", URL: none})
	store.EmitScript(sc)
	sc2 := store.ResolveScript(Script{ScriptID: "S1", FrameID: "F1", LoaderID: "L1", URL: "https://example.com/x.js"})
	store.EmitScript(sc2)

	require.Equal(t, "https://example.com/x.js", sc2.URL, "the resolved state adopts the later url")
	require.Len(t, sink.rows, 1, "a script id is only ever emitted once")
	require.Equal(t, none, sink.rows[0].Properties["url"], "a row already emitted is not patched by a later merge")
}

func TestStoreNewHostFromResponseNilWithoutRemoteIP(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	store := NewStore(sink, "sess")

	require.Nil(t, store.NewHostFromResponse("", "https://example.com", "nginx"))
	require.Empty(t, sink.rows)
}

func TestStoreEmitFrameIsIdempotentPerIdentity(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	store := NewStore(sink, "sess")

	store.EmitFrame(FrameAttrs{FrameID: "F1", LoaderID: "L1"})
	store.EmitFrame(FrameAttrs{FrameID: "F1", LoaderID: "L1", Requests: 3})

	require.Len(t, sink.rows, 1)
}

func TestRedirectRecordID(t *testing.T) {
	t.Parallel()
	r := RedirectRecord{OldLoaderID: "L1", NewLoaderID: "L2", RequestID: "R1"}
	require.Equal(t, "L1-R1", r.ID())
}
