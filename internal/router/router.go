// Package router implements the Event Router: a single-threaded
// cooperative loop that drains the Transport, unmarshals each envelope,
// and dispatches it to the Session Multiplexer or the Frame Engine by a
// fixed method-to-handler table. No goroutine fan-out happens here; the
// loop owns all mutable state for the duration of one dispatch.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/debugger"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/sirupsen/logrus"

	"github.com/cdpaudit/provenance/internal/auditerr"
	"github.com/cdpaudit/provenance/internal/auditlog"
	"github.com/cdpaudit/provenance/internal/frameengine"
	"github.com/cdpaudit/provenance/internal/mux"
	"github.com/cdpaudit/provenance/internal/wire"
)

const component = "router"

// PollInterval is how often the loop checks the Transport for new events
// when none are currently buffered.
const PollInterval = 50 * time.Millisecond

// Router wires a Transport's drained events to a Mux and an Engine.
type Router struct {
	t      *wire.Transport
	m      *mux.Mux
	engine *frameengine.Engine
	log    *logrus.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger injects a logrus logger.
func WithLogger(l *logrus.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// New builds a Router.
func New(t *wire.Transport, m *mux.Mux, engine *frameengine.Engine, opts ...Option) *Router {
	r := &Router{t: t, m: m, engine: engine, log: auditlog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run drives the cooperative loop until ctx is cancelled, in which case it
// returns nil, or until the Transport's underlying connection goes away or
// a handler returns a Fatal error, in which case it returns a Fatal
// *auditerr.Error.
func (r *Router) Run(ctx context.Context) error {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, msg := range r.t.Drain() {
				if err := r.dispatch(ctx, msg); err != nil {
					if auditerr.IsFatal(err) {
						return err
					}
					r.log.WithError(err).WithField("method", msg.Method).Warn("router: dispatch error")
				}
			}
			if r.t.Closed() {
				return auditerr.New(auditerr.Fatal, component, errTransportClosed)
			}
		}
	}
}

var errTransportClosed = transportClosedErr{}

type transportClosedErr struct{}

func (transportClosedErr) Error() string { return "router: transport closed" }

func (r *Router) dispatch(ctx context.Context, msg *cdproto.Message) error {
	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		return nil
	}

	switch e := ev.(type) {
	case *target.EventTargetCreated:
		return r.onTargetCreated(ctx, e)

	case *target.EventAttachedToTarget:
		return r.m.OnAttachedToTarget(ctx, e, r.onAttach)

	case *page.EventFrameAttached:
		return r.engine.OnFrameAttached(e)

	case *page.EventFrameNavigated:
		return r.engine.OnFrameNavigated(e)

	case *network.EventRequestWillBeSent:
		return r.engine.OnRequestSent(e)

	case *network.EventResponseReceived:
		return r.engine.OnResponseReceived(e)

	case *debugger.EventScriptParsed:
		return r.engine.OnScriptParsed(e)

	case *page.EventDownloadWillBegin:
		r.engine.OnDownload(string(e.FrameID), e.URL)
		return nil
	}
	return nil
}

// onAttach is handed to Mux.Bootstrap/OnAttachedToTarget so every newly
// attached session also bootstraps the Frame Engine's view of it.
func (r *Router) onAttach(ctx context.Context, sess *mux.Session, info *target.Info) error {
	return r.engine.OnTargetAttached(ctx, info, string(sess.SessionID))
}

// onTargetCreated records the new target in the Frame Engine and, for a
// not-yet-attached page or iframe target, attaches to it immediately:
// auto-attach is disabled on every session, so a tab or popup opened mid-run
// is only ever observed if this handler attaches to it here.
func (r *Router) onTargetCreated(ctx context.Context, e *target.EventTargetCreated) error {
	if err := r.engine.OnTargetCreated(e.TargetInfo); err != nil {
		return err
	}
	if e.TargetInfo.Attached {
		return nil
	}
	if e.TargetInfo.Type != "page" && e.TargetInfo.Type != "iframe" {
		return nil
	}

	sess, err := r.m.Attach(ctx, e.TargetInfo.TargetID)
	if err != nil {
		return auditerr.New(auditerr.Transient, component, fmt.Errorf("attach to created target %s: %w", e.TargetInfo.TargetID, err))
	}
	return r.onAttach(ctx, sess, e.TargetInfo)
}

// Bootstrap wires Mux.Bootstrap through onAttach, driving the full
// startup sequence described in spec.md §4.2 before Run begins draining
// runtime events.
func (r *Router) Bootstrap(ctx context.Context) error {
	return r.m.Bootstrap(ctx, r.onAttach)
}
