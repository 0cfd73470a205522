package wire

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// newTestServer upgrades every connection and hands the raw *websocket.Conn
// to handle, which runs in its own goroutine for the life of the test.
func newTestServer(t *testing.T, handle func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		go handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestTransportSendWaitResultCorrelatesByID(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		require.Contains(t, string(data), `"id":1`)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"result":{"ok":true}}`))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr, err := Dial(ctx, wsURL(t, srv))
	require.NoError(t, err)
	defer tr.Close()

	id, ch, err := tr.Send(cdproto.MethodType("Page.enable"), "", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	msg, err := tr.WaitResult(ctx, id, ch, time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(1), msg.ID)
}

func TestTransportWaitResultTimesOut(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(conn *websocket.Conn) {
		// never respond
		conn.ReadMessage()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr, err := Dial(ctx, wsURL(t, srv))
	require.NoError(t, err)
	defer tr.Close()

	id, ch, err := tr.Send(cdproto.MethodType("Page.enable"), "", nil)
	require.NoError(t, err)

	_, err = tr.WaitResult(ctx, id, ch, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestTransportDrainBuffersEvents(t *testing.T) {
	t.Parallel()

	ready := make(chan struct{})
	srv := newTestServer(t, func(conn *websocket.Conn) {
		close(ready)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"Page.frameNavigated","params":{},"sessionId":"S1"}`))
		conn.ReadMessage()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr, err := Dial(ctx, wsURL(t, srv))
	require.NoError(t, err)
	defer tr.Close()

	<-ready
	var msgs []*cdproto.Message
	require.Eventually(t, func() bool {
		msgs = append(msgs, tr.Drain()...)
		return len(msgs) > 0
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, cdproto.MethodType("Page.frameNavigated"), msgs[0].Method)
}

func TestTransportSendFailsAfterClose(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr, err := Dial(ctx, wsURL(t, srv))
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.Eventually(t, func() bool { return tr.Closed() }, time.Second, 10*time.Millisecond)

	_, _, err = tr.Send(cdproto.MethodType("Page.enable"), "", nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestForceIPLeavesLiteralIPUnchanged(t *testing.T) {
	t.Parallel()
	got := ForceIP("ws://127.0.0.1:9222/devtools/browser/abc")
	require.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", got)
}

func TestForceIPLeavesSchemelessInputUnchanged(t *testing.T) {
	t.Parallel()
	got := ForceIP("not-a-url")
	require.Equal(t, "not-a-url", got)
}

func TestExecuteRoundTripsThroughExecutor(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(conn *websocket.Conn) {
		_, _, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"id":1,"result":{}}`)))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr, err := Dial(ctx, wsURL(t, srv))
	require.NoError(t, err)
	defer tr.Close()

	exec := NewExecutor(tr, "")
	err = exec.Execute(ctx, "Page.enable", nil, nil)
	require.NoError(t, err)
}
