// Package mux implements the Session Multiplexer: it drives the browser's
// top-level Target domain, attaches to every page/iframe target (existing
// and future), enables the domains the Frame Engine needs on each one, and
// demultiplexes CDP events by sessionID to the Event Router.
package mux

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/debugger"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/sirupsen/logrus"

	"github.com/cdpaudit/provenance/internal/auditerr"
	"github.com/cdpaudit/provenance/internal/auditlog"
	"github.com/cdpaudit/provenance/internal/wire"
)

const component = "mux"

// Session is one attached target: its id pair and the executor bound to it.
type Session struct {
	TargetID  target.ID
	SessionID target.SessionID
	Exec      *wire.Executor
}

// Mux owns the browser-level executor and the table of attached sessions.
type Mux struct {
	t    *wire.Transport
	root *wire.Executor
	log  *logrus.Logger

	browserSessionID target.SessionID
	sessions         map[target.SessionID]*Session
}

// Option configures a Mux.
type Option func(*Mux)

// WithLogger injects a logrus logger.
func WithLogger(l *logrus.Logger) Option {
	return func(m *Mux) {
		if l != nil {
			m.log = l
		}
	}
}

// New builds a Mux bound to t, using the browser-level (empty sessionID)
// executor for Target-domain commands.
func New(t *wire.Transport, opts ...Option) *Mux {
	m := &Mux{
		t:        t,
		root:     wire.NewExecutor(t, ""),
		log:      auditlog.Default(),
		sessions: make(map[target.SessionID]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Bootstrap implements spec.md §4.2's startup sequence: attach to the
// browser target itself, then attach to every pre-existing target returned
// by Target.getTargets, enabling the per-session domains on each. onAttach
// is called synchronously for each session, in the order getTargets
// returned them, before Bootstrap returns; it is expected to wire the
// session into the Frame Engine (including the Page.getFrameTree bootstrap
// call for pre-existing tabs).
func (m *Mux) Bootstrap(ctx context.Context, onAttach func(ctx context.Context, sess *Session, info *target.Info) error) error {
	rootCtx := cdp.WithExecutor(ctx, m.root)

	browserSessionID, err := target.AttachToBrowserTarget().Do(rootCtx)
	if err != nil {
		return auditerr.New(auditerr.Fatal, component, fmt.Errorf("attachToBrowserTarget: %w", err))
	}
	m.browserSessionID = browserSessionID

	infos, err := target.GetTargets().Do(rootCtx)
	if err != nil {
		return auditerr.New(auditerr.Fatal, component, fmt.Errorf("getTargets: %w", err))
	}

	for _, info := range infos {
		if info.Type != "page" && info.Type != "iframe" {
			continue
		}
		sess, err := m.Attach(ctx, info.TargetID)
		if err != nil {
			m.log.WithError(err).WithField("targetId", info.TargetID).Warn("mux: failed to attach to pre-existing target")
			continue
		}
		if onAttach != nil {
			if err := onAttach(ctx, sess, info); err != nil {
				return err
			}
		}
	}
	return nil
}

// Attach implements Target.attachToTarget(flatten=true) followed by the
// per-session enable sequence the Frame Engine depends on: target
// discovery and auto-attach (scoped to the new session, since
// auto-attach=false means the caller handles window.open targets via
// Target.targetCreated instead), Page, Network, Debugger, and
// Page.setLifecycleEventsEnabled.
func (m *Mux) Attach(ctx context.Context, targetID target.ID) (*Session, error) {
	rootCtx := cdp.WithExecutor(ctx, m.root)
	sessionID, err := target.AttachToTarget(targetID).WithFlatten(true).Do(rootCtx)
	if err != nil {
		return nil, fmt.Errorf("attachToTarget: %w", err)
	}

	exec := wire.NewExecutor(m.t, string(sessionID))
	sessCtx := cdp.WithExecutor(ctx, exec)

	if err := m.enableSession(sessCtx); err != nil {
		return nil, err
	}

	sess := &Session{TargetID: targetID, SessionID: sessionID, Exec: exec}
	m.sessions[sessionID] = sess
	return sess, nil
}

// enableSession issues the fixed six-call domain-enable sequence on a
// newly attached session's executor context.
func (m *Mux) enableSession(sessCtx context.Context) error {
	if err := target.SetDiscoverTargets(true).Do(sessCtx); err != nil {
		return fmt.Errorf("setDiscoverTargets: %w", err)
	}
	if err := target.SetAutoAttach(false, false).WithFlatten(true).Do(sessCtx); err != nil {
		return fmt.Errorf("setAutoAttach: %w", err)
	}
	if err := page.Enable().Do(sessCtx); err != nil {
		return fmt.Errorf("page.enable: %w", err)
	}
	if err := network.Enable().Do(sessCtx); err != nil {
		return fmt.Errorf("network.enable: %w", err)
	}
	if _, err := debugger.Enable().Do(sessCtx); err != nil {
		return fmt.Errorf("debugger.enable: %w", err)
	}
	if err := page.SetLifecycleEventsEnabled(true).Do(sessCtx); err != nil {
		return fmt.Errorf("page.setLifecycleEventsEnabled: %w", err)
	}
	return nil
}

// OnAttachedToTarget handles a runtime Target.attachedToTarget event for a
// target the auditor did not itself attach (e.g. a target attached by
// Chrome outside the explicit Attach path): it enables domains on the new
// session the same way Attach does, runs it if it's paused waiting for the
// debugger, then hands the session to onAttach.
func (m *Mux) OnAttachedToTarget(ctx context.Context, ev *target.EventAttachedToTarget, onAttach func(ctx context.Context, sess *Session, info *target.Info) error) error {
	if ev.TargetInfo.Type != "page" && ev.TargetInfo.Type != "iframe" {
		return nil
	}
	if _, ok := m.sessions[ev.SessionID]; ok {
		return nil
	}

	exec := wire.NewExecutor(m.t, string(ev.SessionID))
	sessCtx := cdp.WithExecutor(ctx, exec)

	if err := m.enableSession(sessCtx); err != nil {
		return err
	}

	if ev.WaitingForDebugger {
		if err := runtime.RunIfWaitingForDebugger().Do(sessCtx); err != nil {
			m.log.WithError(auditerr.New(auditerr.Transient, component, err)).
				WithField("sessionId", ev.SessionID).
				Warn("mux: runIfWaitingForDebugger timed out")
		}
	}

	sess := &Session{TargetID: ev.TargetInfo.TargetID, SessionID: ev.SessionID, Exec: exec}
	m.sessions[ev.SessionID] = sess

	if onAttach != nil {
		return onAttach(ctx, sess, ev.TargetInfo)
	}
	return nil
}

// Session looks up a previously attached session by id.
func (m *Mux) Session(id target.SessionID) (*Session, bool) {
	sess, ok := m.sessions[id]
	return sess, ok
}

// GetFrameTree is the synchronous Page.getFrameTree call the Frame Engine
// needs to bootstrap a pre-existing tab's subtree. It satisfies
// frameengine.FrameTreeFetcher.
func (m *Mux) GetFrameTree(ctx context.Context, sessionID string) (*page.FrameTree, error) {
	sess, ok := m.sessions[target.SessionID(sessionID)]
	if !ok {
		return nil, fmt.Errorf("mux: no session %s", sessionID)
	}
	sessCtx := cdp.WithExecutor(ctx, sess.Exec)
	return page.GetFrameTree().Do(sessCtx)
}
