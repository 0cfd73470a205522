// Package handshake performs the Session Multiplexer's startup step 1: GET
// the browser's version/meta over its sidecar HTTP endpoint, retrying
// connection-refused indefinitely at 1-second intervals until the browser
// comes up.
package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cdpaudit/provenance/internal/auditlog"
)

// DefaultRetryInterval is the delay between retries while the browser has
// not yet opened its debugging endpoint.
const DefaultRetryInterval = 1 * time.Second

// Info is the decoded response of GET /json/version.
type Info struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version"`
	WebKitVersion        string `json:"WebKit-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Client fetches /json/version from a browser's debugging HTTP endpoint.
type Client struct {
	httpc *http.Client
	log   *logrus.Logger

	retryInterval time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithLogger injects a logrus logger.
func WithLogger(l *logrus.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRetryInterval overrides the default 1s retry interval.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) { c.retryInterval = d }
}

// New builds a Client.
func New(opts ...Option) *Client {
	c := &Client{
		httpc:         &http.Client{},
		log:           auditlog.Default(),
		retryInterval: DefaultRetryInterval,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// WaitForVersion polls http://addr/json/version until it succeeds or ctx is
// cancelled, retrying indefinitely on connection-refused, matching the
// handshake step documented in spec.md §4.2.
func (c *Client) WaitForVersion(ctx context.Context, addr string) (*Info, error) {
	url := fmt.Sprintf("http://%s/json/version", addr)
	for {
		info, err := c.fetchVersion(ctx, url)
		if err == nil {
			return info, nil
		}
		if !isConnRefused(err) {
			return nil, err
		}
		c.log.WithField("addr", addr).Debug("handshake: browser not yet up, retrying")
		select {
		case <-time.After(c.retryInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) fetchVersion(ctx context.Context, url string) (*Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	info := new(Info)
	if err := json.Unmarshal(body, info); err != nil {
		return nil, err
	}
	return info, nil
}

// isConnRefused reports whether err is a dial-time failure (connection
// refused, no such host yet, etc.) worth retrying, as opposed to a
// context cancellation the caller should propagate immediately.
func isConnRefused(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
