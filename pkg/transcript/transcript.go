// Package transcript archives what a session delivered as zstd-compressed
// JSON lines, one file per session.
package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Entry kinds.
const (
	KindLine      = "line"
	KindCancelled = "cancelled"
	KindAction    = "action"
	KindPhase     = "phase"
	KindDirector  = "director"
	KindOutcome   = "outcome"
)

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("transcript: closed")

// Entry is one archived record.
type Entry struct {
	Seq      uint64    `json:"seq"`
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	Speaker  string    `json:"speaker,omitempty"`
	Text     string    `json:"text,omitempty"`
	Priority string    `json:"priority,omitempty"`
	Source   string    `json:"source,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Recorder receives entries for one session.
type Recorder interface {
	Record(e Entry) error
	Close() error
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Record(Entry) error { return nil }
func (Discard) Close() error       { return nil }

// Writer appends entries to one compressed file. Seq is assigned on write.
type Writer struct {
	path string

	mu  sync.Mutex
	seq uint64
	f   *os.File
	enc *zstd.Encoder
	w   *bufio.Writer
}

// Path returns the file for a session under dir.
func Path(dir, scenarioID, sessionID string, started time.Time) string {
	return filepath.Join(dir, scenarioID, started.UTC().Format("2006-01-02"), sessionID+".jsonl.zst")
}

// Create opens a new transcript at path, creating parent directories.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{path: path, f: f, enc: enc, w: bufio.NewWriterSize(enc, 32*1024)}, nil
}

// Path returns the file being written.
func (w *Writer) Path() string { return w.path }

// Record appends e. A zero At is set to now.
func (w *Writer) Record(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return ErrClosed
	}
	w.seq++
	e.Seq = w.seq
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

// Close flushes and closes the file. It is safe to call twice.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return nil
	}
	var errs []error
	errs = append(errs, w.w.Flush())
	errs = append(errs, w.enc.Close())
	errs = append(errs, w.f.Close())
	w.w, w.enc, w.f = nil, nil, nil
	return errors.Join(errs...)
}

// Read decodes every entry in the transcript at path.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []Entry
	jd := json.NewDecoder(dec)
	for {
		var e Entry
		if err := jd.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("transcript: entry %d: %w", len(out)+1, err)
		}
		out = append(out, e)
	}
}
