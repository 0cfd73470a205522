// Package relation implements the Relation Writer: one append-only
// tabular output stream per label, with periodic rotation across all
// labels combined, and a final flush on shutdown.
package relation

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cdpaudit/provenance/internal/auditlog"
	"github.com/cdpaudit/provenance/internal/graph"
)

// DefaultRotateThreshold is the total row count across all labels above
// which the writer flushes and closes every current stream, beginning
// fresh files on the next Add.
const DefaultRotateThreshold = 50000

// Writer buffers rows per label and serializes them to
// "<label>.<unix-timestamp>.csv" files under Dir.
type Writer struct {
	dir       string
	threshold int
	log       *logrus.Logger

	mu      sync.Mutex
	rows    map[string][]graph.Row
	total   int
	closed  bool
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger injects a logrus logger.
func WithLogger(l *logrus.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.log = l
		}
	}
}

// WithRotateThreshold overrides DefaultRotateThreshold.
func WithRotateThreshold(n int) Option {
	return func(w *Writer) { w.threshold = n }
}

// New builds a Writer that writes under dir (created if missing).
func New(dir string, opts ...Option) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w := &Writer{
		dir:       dir,
		threshold: DefaultRotateThreshold,
		log:       auditlog.Default(),
		rows:      make(map[string][]graph.Row),
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Add implements graph.Sink: it buffers row under its label, rotating
// (flushing and closing every current stream) once the combined row
// count across all labels exceeds the configured threshold.
func (w *Writer) Add(row graph.Row) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.log.WithField("label", row.Label).Warn("relation: add after close, dropping")
		return
	}
	w.rows[row.Label] = append(w.rows[row.Label], row)
	w.total++
	if w.total > w.threshold {
		w.flushLocked()
	}
}

// Flush writes out every buffered label's current rows as a fresh
// generation of files, without closing the writer for further Add calls.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// Shutdown performs the final flush and marks the writer closed: every
// label seen so far gets a file written, even if it never reached the
// rotation threshold.
func (w *Writer) Shutdown() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.flushLocked()
	w.closed = true
	return err
}

func (w *Writer) flushLocked() error {
	var firstErr error
	ts := time.Now().Unix()
	for label, rows := range w.rows {
		if len(rows) == 0 {
			continue
		}
		if err := writeLabelFile(w.dir, label, ts, rows); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.rows = make(map[string][]graph.Row)
	w.total = 0
	return firstErr
}

func writeLabelFile(dir, label string, ts int64, rows []graph.Row) error {
	path := filepath.Join(dir, fmt.Sprintf("%s.%d.csv", label, ts))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	cw.Comma = ';'

	isEdge := rows[0].ID == "" && (rows[0].Start != "" || rows[0].End != "")

	keys := unionKeys(rows)

	header := make([]string, 0, len(keys)+2)
	if isEdge {
		header = append(header, "start", "end")
	} else {
		header = append(header, "id")
	}
	header = append(header, keys...)
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		record := make([]string, 0, len(header))
		if isEdge {
			record = append(record, row.Start, row.End)
		} else {
			record = append(record, row.ID)
		}
		for _, k := range keys {
			record = append(record, row.Properties[k])
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func unionKeys(rows []graph.Row) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for k := range row.Properties {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
