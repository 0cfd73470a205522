// Package launcher optionally starts a local Chrome/Chromium process for
// the auditor to attach to, instead of attaching to an already-running
// instance. Most deployments point the auditor at a remote debugging
// endpoint and never touch this package; it exists behind a CLI flag as a
// convenience for local runs.
package launcher

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cdpaudit/provenance/internal/auditlog"
)

// wsURLReadTimeout bounds how long we wait for Chrome to print its
// websocket debugger URL before giving up.
const wsURLReadTimeout = 20 * time.Second

// defaultFlags mirrors the flags a headless automation client passes to
// avoid Chrome's first-run UI and background throttling from skewing the
// capture.
var defaultFlags = []string{
	"--headless=new",
	"--no-first-run",
	"--no-default-browser-check",
	"--disable-background-networking",
	"--disable-background-timer-throttling",
	"--disable-backgrounding-occluded-windows",
	"--disable-breakpad",
	"--disable-client-side-phishing-detection",
	"--disable-default-apps",
	"--disable-dev-shm-usage",
	"--disable-extensions",
	"--disable-hang-monitor",
	"--disable-popup-blocking",
	"--disable-prompt-on-repost",
	"--disable-sync",
	"--metrics-recording-only",
	"--password-store=basic",
	"--use-mock-keychain",
	"--remote-debugging-port=0",
	"about:blank",
}

// Process is a launched Chrome instance.
type Process struct {
	cmd       *exec.Cmd
	userDataDir string
	log       *logrus.Logger
}

// Option configures Launch.
type Option func(*options)

type options struct {
	execPath string
	userDataDir string
	log *logrus.Logger
}

// WithExecPath overrides the Chrome binary to run; if empty, FindExecPath
// is used.
func WithExecPath(path string) Option {
	return func(o *options) { o.execPath = path }
}

// WithUserDataDir pins the profile directory instead of creating a
// temporary one that is removed on shutdown.
func WithUserDataDir(dir string) Option {
	return func(o *options) { o.userDataDir = dir }
}

// WithLogger injects a logrus logger.
func WithLogger(l *logrus.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// Launch starts Chrome with remote debugging enabled and returns once its
// websocket debugger URL has been read from stdout.
func Launch(ctx context.Context, opts ...Option) (wsURL string, proc *Process, err error) {
	o := &options{log: auditlog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	if o.execPath == "" {
		o.execPath = FindExecPath()
	}

	removeDir := false
	dataDir := o.userDataDir
	if dataDir == "" {
		dataDir, err = os.MkdirTemp("", "provenance-auditor-")
		if err != nil {
			return "", nil, err
		}
		removeDir = true
	}

	args := append([]string{"--user-data-dir=" + dataDir}, defaultFlags...)
	if os.Getuid() == 0 {
		args = append([]string{"--no-sandbox"}, args...)
	}

	cmd := exec.CommandContext(ctx, o.execPath, args...)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		if removeDir {
			os.RemoveAll(dataDir)
		}
		return "", nil, err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		if removeDir {
			os.RemoveAll(dataDir)
		}
		return "", nil, err
	}

	type result struct {
		url string
		err error
	}
	done := make(chan result, 1)
	go func() {
		url, err := readWebSocketURL(stdout)
		done <- result{url, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			cmd.Process.Kill()
			if removeDir {
				os.RemoveAll(dataDir)
			}
			return "", nil, r.err
		}
		wsURL = r.url
	case <-time.After(wsURLReadTimeout):
		cmd.Process.Kill()
		if removeDir {
			os.RemoveAll(dataDir)
		}
		return "", nil, errors.New("launcher: timed out waiting for devtools websocket url")
	case <-ctx.Done():
		cmd.Process.Kill()
		if removeDir {
			os.RemoveAll(dataDir)
		}
		return "", nil, ctx.Err()
	}

	p := &Process{cmd: cmd, log: o.log}
	if removeDir {
		p.userDataDir = dataDir
	}
	return wsURL, p, nil
}

// readWebSocketURL scans Chrome's stdout for the "DevTools listening on"
// line it prints once the remote debugging endpoint is ready.
func readWebSocketURL(rc io.ReadCloser) (string, error) {
	prefix := []byte("DevTools listening on")
	var accumulated bytes.Buffer
	r := bufio.NewReader(rc)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return "", fmt.Errorf("launcher: chrome exited before printing a websocket url:\n%s", accumulated.Bytes())
		}
		if bytes.HasPrefix(line, prefix) {
			return string(bytes.TrimSpace(line[len(prefix):])), nil
		}
		accumulated.Write(line)
	}
}

// Shutdown terminates the launched process and removes its temporary
// profile directory, if one was created.
func (p *Process) Shutdown() error {
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	p.cmd.Wait()
	if p.userDataDir != "" {
		if err := os.RemoveAll(p.userDataDir); err != nil {
			p.log.WithError(err).Warn("launcher: failed to remove temporary user data dir")
		}
	}
	return nil
}

// FindExecPath performs the same best-effort search chromedp's allocator
// uses, checking common binary names and install locations across
// platforms.
func FindExecPath() string {
	for _, path := range [...]string{
		"headless_shell",
		"headless-shell",
		"chromium",
		"chromium-browser",
		"google-chrome",
		"google-chrome-stable",
		"google-chrome-beta",
		"google-chrome-unstable",
		"/usr/bin/google-chrome",

		"chrome",
		"chrome.exe",
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		filepath.Join(os.Getenv("USERPROFILE"), `AppData\Local\Google\Chrome\Application\chrome.exe`),

		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	} {
		if found, err := exec.LookPath(path); err == nil {
			return found
		}
	}
	return "google-chrome"
}
