// Command auditor attaches to a Chromium-family browser over the Chrome
// DevTools Protocol, reconstructs a frame/script/network provenance graph
// as the user (or an automated driver) browses, and appends it as a set
// of relation files under -out.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/cdpaudit/provenance/internal/auditerr"
	"github.com/cdpaudit/provenance/internal/frameengine"
	"github.com/cdpaudit/provenance/internal/graph"
	"github.com/cdpaudit/provenance/internal/handshake"
	"github.com/cdpaudit/provenance/internal/launcher"
	"github.com/cdpaudit/provenance/internal/mux"
	"github.com/cdpaudit/provenance/internal/relation"
	"github.com/cdpaudit/provenance/internal/router"
	"github.com/cdpaudit/provenance/internal/session"
	"github.com/cdpaudit/provenance/internal/wire"
)

func main() {
	var (
		addr      = flag.String("addr", "localhost:9222", "host:port of the browser's remote debugging endpoint")
		out       = flag.String("out", "./relations", "directory to write relation files to")
		rotate    = flag.Int("rotate", relation.DefaultRotateThreshold, "total buffered row count above which the writer rotates")
		launch    = flag.Bool("launch", false, "start a local Chrome instance instead of attaching to an existing one")
		chromeBin = flag.String("chrome-path", "", "path to the Chrome/Chromium binary, used only with -launch")
		verbose   = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	log := logrus.StandardLogger()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, log, *addr, *out, *rotate, *launch, *chromeBin); err != nil {
		log.WithError(err).Error("auditor: exiting")
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logrus.Logger, addr, out string, rotateThreshold int, launchChrome bool, chromeBin string) error {
	if launchChrome {
		wsURL, proc, err := launcher.Launch(ctx,
			launcher.WithExecPath(chromeBin),
			launcher.WithLogger(log),
		)
		if err != nil {
			return fmt.Errorf("launcher: %w", err)
		}
		defer proc.Shutdown()

		host, err := hostPortFromWS(wsURL)
		if err != nil {
			return err
		}
		addr = host
		log.WithField("addr", addr).Info("auditor: launched local chrome")
	}

	hc := handshake.New(handshake.WithLogger(log))
	info, err := hc.WaitForVersion(ctx, addr)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	log.WithFields(logrus.Fields{"browser": info.Browser, "protocol": info.ProtocolVersion}).Info("auditor: handshake complete")

	sess := session.New(info.UserAgent)
	log.WithField("session_id", sess.SessionID).Info("auditor: audit session started")

	t, err := wire.Dial(ctx, info.WebSocketDebuggerURL, wire.WithLogger(log))
	if err != nil {
		return fmt.Errorf("wire: dial: %w", err)
	}
	defer t.Close()

	writer, err := relation.New(out, relation.WithLogger(log), relation.WithRotateThreshold(rotateThreshold))
	if err != nil {
		return fmt.Errorf("relation: %w", err)
	}
	defer writer.Shutdown()

	store := graph.NewStore(writer, sess.SessionID)
	store.Emit(graph.UserRow(sess.SessionID, sess.UserID))
	store.Emit(graph.SessionRow(sess.SessionID, sess.UserAgent))
	store.Emit(graph.StartedEdge(sess.SessionID, sess.UserID))

	m := mux.New(t, mux.WithLogger(log))
	engine := frameengine.New(store,
		frameengine.WithLogger(log),
		frameengine.WithFrameTreeFetcher(m.GetFrameTree),
	)

	r := router.New(t, m, engine, router.WithLogger(log))
	if err := r.Bootstrap(ctx); err != nil {
		return fmt.Errorf("router: bootstrap: %w", err)
	}

	err = r.Run(ctx)
	engine.Shutdown()
	if err != nil && !auditerr.IsFatal(err) {
		return err
	}
	return nil
}

// hostPortFromWS extracts the host:port the handshake client should poll
// from a ws://host:port/devtools/browser/<id> url.
func hostPortFromWS(wsURL string) (string, error) {
	const prefix = "ws://"
	if len(wsURL) < len(prefix) || wsURL[:len(prefix)] != prefix {
		return "", fmt.Errorf("launcher: unexpected websocket url %q", wsURL)
	}
	rest := wsURL[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], nil
		}
	}
	return rest, nil
}
