// Package persist appends accepted transcript sentences to per-broadcast
// JSONL files on local disk.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Record is one persisted transcript line.
type Record struct {
	Timestamp   time.Time `json:"timestamp"`
	SessionID   string    `json:"session_id"`
	BroadcastID string    `json:"broadcast_id"`
	Kind        string    `json:"kind"`
	Text        string    `json:"text"`
	Confidence  float64   `json:"confidence,omitempty"`
}

// Writer appends records to <root>/<broadcastID>/<YYYY-MM-DD>.jsonl,
// rolling to a new file at the day boundary. Write errors are logged and
// swallowed so persistence problems never interrupt live captioning.
type Writer struct {
	root string
	log  zerolog.Logger

	mu      sync.Mutex
	file    *os.File
	curPath string
	closed  bool

	now func() time.Time // injectable clock for tests
}

// NewWriter creates a writer rooted at dir. The directory tree is
// created lazily on first append.
func NewWriter(dir string, log zerolog.Logger) *Writer {
	return &Writer{root: dir, log: log, now: time.Now}
}

// Append writes one record as a JSON line and flushes it to disk.
func (w *Writer) Append(rec Record) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = w.now()
	}

	path := w.pathFor(rec.BroadcastID, rec.Timestamp)
	if err := w.ensureFile(path); err != nil {
		w.log.Error().Err(err).Str("path", path).Msg("Failed to open transcript file")
		return
	}

	line, err := json.Marshal(rec)
	if err != nil {
		w.log.Error().Err(err).Msg("Failed to marshal transcript record")
		return
	}
	line = append(line, '\n')

	if _, err := w.file.Write(line); err != nil {
		w.log.Error().Err(err).Str("path", path).Msg("Failed to append transcript record")
		return
	}
	if err := w.file.Sync(); err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("Failed to flush transcript file")
	}
}

// pathFor builds the day file path, sanitizing the broadcast ID so it
// cannot escape the root directory.
func (w *Writer) pathFor(broadcastID string, ts time.Time) string {
	id := sanitizeID(broadcastID)
	day := ts.Format("2006-01-02")
	return filepath.Join(w.root, id, day+".jsonl")
}

func (w *Writer) ensureFile(path string) error {
	if w.file != nil && w.curPath == path {
		return nil
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			w.log.Warn().Err(err).Str("path", w.curPath).Msg("Failed to close transcript file")
		}
		w.file = nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create transcript directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript file: %w", err)
	}
	w.file = f
	w.curPath = path
	return nil
}

// Close flushes and closes the current file. Safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// sanitizeID keeps broadcast IDs filesystem-safe.
func sanitizeID(id string) string {
	if id == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
