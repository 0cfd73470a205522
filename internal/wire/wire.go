// Package wire implements the Transport: one bidirectional framed message
// channel to the browser's CDP endpoint. It owns the websocket connection,
// assigns monotonically increasing command ids, correlates responses to
// requests, and hands event envelopes to callers via a non-blocking drain.
package wire

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/sirupsen/logrus"

	"github.com/cdpaudit/provenance/internal/auditerr"
	"github.com/cdpaudit/provenance/internal/auditlog"
)

// ErrTimeout is the sentinel returned by WaitResult when the deadline
// elapses before a matching result arrives. The caller treats this as
// recoverable.
var ErrTimeout = fmt.Errorf("wire: wait_result timeout")

// ErrClosed is returned by Send/WaitResult once the transport has been
// closed.
var ErrClosed = fmt.Errorf("wire: transport closed")

const (
	defaultReadBufferSize  = 25 * 1024 * 1024
	defaultWriteBufferSize = 10 * 1024 * 1024
	defaultQueueSize       = 1024
)

// Transport is the CDP Transport described in component 1: it multiplexes
// one websocket, correlates command ids to responses, and buffers inbound
// event envelopes for the Event Router to drain.
type Transport struct {
	conn *websocket.Conn
	log  *logrus.Logger

	next int64

	mu      sync.Mutex
	pending map[int64]chan *cdproto.Message
	closed  bool

	events chan *cdproto.Message

	writeMu sync.Mutex
	writer  jwriter.Writer
	lexer   jlexer.Lexer
	buf     bytes.Buffer
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger injects a logrus logger, following the ambient logging
// convention.
func WithLogger(l *logrus.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// Dial connects to urlstr, a CDP webSocketDebuggerUrl, after forcing the
// host component to an IP address (required by Chrome 66+).
func Dial(ctx context.Context, urlstr string, opts ...Option) (*Transport, error) {
	d := &websocket.Dialer{
		ReadBufferSize:  defaultReadBufferSize,
		WriteBufferSize: defaultWriteBufferSize,
	}
	conn, _, err := d.DialContext(ctx, ForceIP(urlstr), nil)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		conn:    conn,
		log:     auditlog.Default(),
		pending: make(map[int64]chan *cdproto.Message),
		events:  make(chan *cdproto.Message, defaultQueueSize),
	}
	for _, o := range opts {
		o(t)
	}
	go t.readLoop()
	return t, nil
}

// ForceIP forces the host component in urlstr to be an IP address, since
// Chrome 66+ requires dev tools clients to send the Host header as either
// an IP address or "localhost".
func ForceIP(urlstr string) string {
	i := strings.Index(urlstr, "://")
	if i == -1 {
		return urlstr
	}
	scheme := urlstr[:i+3]
	host, port, path := urlstr[len(scheme):], "", ""
	if j := strings.Index(host, "/"); j != -1 {
		host, path = host[:j], host[j:]
	}
	if j := strings.Index(host, ":"); j != -1 {
		host, port = host[:j], host[j:]
	}
	addr, err := net.ResolveIPAddr("ip", host)
	if err != nil {
		return urlstr
	}
	return scheme + addr.IP.String() + port + path
}

func (t *Transport) readLoop() {
	for {
		typ, r, err := t.conn.NextReader()
		if err != nil {
			t.shutdownPending()
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		t.buf.Reset()
		if _, err := t.buf.ReadFrom(r); err != nil {
			t.shutdownPending()
			return
		}
		buf := append([]byte{}, t.buf.Bytes()...)

		msg := new(cdproto.Message)
		t.lexer = jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&t.lexer)
		if err := t.lexer.Error(); err != nil {
			t.log.WithError(err).Warn("wire: malformed envelope, dropping")
			continue
		}
		msg.Result = append([]byte{}, msg.Result...)

		if msg.ID != 0 && msg.Method == "" {
			t.mu.Lock()
			ch, ok := t.pending[msg.ID]
			if ok {
				delete(t.pending, msg.ID)
			}
			t.mu.Unlock()
			if ok {
				ch <- msg
				close(ch)
				continue
			}
		}

		select {
		case t.events <- msg:
		default:
			t.log.Error("wire: event queue full, dropping oldest")
			<-t.events
			t.events <- msg
		}
	}
}

func (t *Transport) shutdownPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	close(t.events)
}

// Send assigns a monotonically increasing id, registers it as pending so
// that a racing response is never missed, serializes the envelope, and
// transmits it, returning the assigned id and a channel that receives the
// single matching response. sessionID may be empty for browser-level
// commands.
func (t *Transport) Send(method cdproto.MethodType, sessionID string, params easyjson.RawMessage) (int64, chan *cdproto.Message, error) {
	id := atomic.AddInt64(&t.next, 1)
	ch, err := t.register(id)
	if err != nil {
		return 0, nil, err
	}
	msg := &cdproto.Message{
		ID:        id,
		Method:    method,
		Params:    params,
		SessionID: cdpSessionID(sessionID),
	}
	if err := t.write(msg); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return 0, nil, err
	}
	return id, ch, nil
}

func (t *Transport) write(msg *cdproto.Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	w, err := t.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	defer w.Close()

	t.writer = jwriter.Writer{}
	msg.MarshalEasyJSON(&t.writer)
	if err := t.writer.Error; err != nil {
		return err
	}
	if _, err := t.writer.DumpTo(w); err != nil {
		return err
	}
	return w.Close()
}

// register records a pending command id before the command is sent so
// that any response racing in before Send returns is not missed.
func (t *Transport) register(id int64) (chan *cdproto.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	ch := make(chan *cdproto.Message, 1)
	t.pending[id] = ch
	return ch, nil
}

// WaitResult blocks on ch (as returned by Send for the same id) until the
// matching result arrives or timeout elapses. On timeout it returns
// ErrTimeout, which the caller treats as recoverable, per the Transport's
// stated failure semantics.
func (t *Transport) WaitResult(ctx context.Context, id int64, ch chan *cdproto.Message, timeout time.Duration) (*cdproto.Message, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if msg.Error != nil {
			return msg, auditerr.New(auditerr.Transient, "wire", fmt.Errorf("%s", msg.Error.Message))
		}
		return msg, nil
	case <-timeoutCh:
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Drain returns every event envelope currently buffered, without
// blocking.
func (t *Transport) Drain() []*cdproto.Message {
	var out []*cdproto.Message
	for {
		select {
		case msg, ok := <-t.events:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

// Closed reports whether the underlying connection has gone away; a true
// result here is the Transport-fatal condition that must trigger orderly
// shutdown in the Router.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close closes the underlying websocket connection.
func (t *Transport) Close() error {
	t.shutdownPending()
	return t.conn.Close()
}

func cdpSessionID(s string) target.SessionID {
	return target.SessionID(s)
}

// Executor implements cdp.Executor so generated command types' .Do(ctx)
// method can be driven directly against a session by wrapping ctx with
// cdp.WithExecutor(ctx, exec), matching the pattern used throughout the
// cdproto-based examples in the corpus.
type Executor struct {
	t         *Transport
	sessionID string
	timeout   time.Duration
}

// NewExecutor builds a cdp.Executor bound to a specific session id (empty
// for the browser-level session) for use with generated command .Do(ctx)
// calls.
func NewExecutor(t *Transport, sessionID string) *Executor {
	return &Executor{t: t, sessionID: sessionID, timeout: 30 * time.Second}
}

func (e *Executor) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	var raw easyjson.RawMessage
	if params != nil {
		w := jwriter.Writer{}
		params.MarshalEasyJSON(&w)
		if w.Error != nil {
			return w.Error
		}
		buf, err := w.BuildBytes()
		if err != nil {
			return err
		}
		raw = buf
	}

	id, ch, err := e.t.Send(cdproto.MethodType(method), e.sessionID, raw)
	if err != nil {
		return err
	}
	msg, err := e.t.WaitResult(ctx, id, ch, e.timeout)
	if err != nil {
		return err
	}
	if res != nil && msg.Result != nil {
		l := jlexer.Lexer{Data: msg.Result}
		res.UnmarshalEasyJSON(&l)
		return l.Error()
	}
	return nil
}
