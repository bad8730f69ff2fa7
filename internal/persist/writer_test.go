package persist

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func readLines(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad JSONL line %q: %v", sc.Text(), err)
		}
		out = append(out, rec)
	}
	return out
}

func TestWriter_AppendCreatesDayFile(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, zerolog.Nop())
	defer w.Close()

	ts := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	w.Append(Record{
		Timestamp:   ts,
		SessionID:   "s1",
		BroadcastID: "room42",
		Kind:        "final",
		Text:        "第一句。",
		Confidence:  0.9,
	})
	w.Append(Record{Timestamp: ts, BroadcastID: "room42", Kind: "final", Text: "第二句。"})

	path := filepath.Join(dir, "room42", "2026-03-14.jsonl")
	recs := readLines(t, path)
	if len(recs) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(recs))
	}
	if recs[0].Text != "第一句。" || recs[1].Text != "第二句。" {
		t.Errorf("Unexpected records: %+v", recs)
	}
	if recs[0].Confidence != 0.9 {
		t.Errorf("Expected confidence 0.9, got %v", recs[0].Confidence)
	}
}

func TestWriter_RollsAtDayBoundary(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, zerolog.Nop())
	defer w.Close()

	day1 := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 15, 0, 1, 0, 0, time.UTC)
	w.Append(Record{Timestamp: day1, BroadcastID: "b", Text: "昨天的。"})
	w.Append(Record{Timestamp: day2, BroadcastID: "b", Text: "今天的。"})

	if got := readLines(t, filepath.Join(dir, "b", "2026-03-14.jsonl")); len(got) != 1 {
		t.Errorf("Expected 1 record in day one file, got %d", len(got))
	}
	if got := readLines(t, filepath.Join(dir, "b", "2026-03-15.jsonl")); len(got) != 1 {
		t.Errorf("Expected 1 record in day two file, got %d", len(got))
	}
}

func TestWriter_AppendResumesExistingFile(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	w1 := NewWriter(dir, zerolog.Nop())
	w1.Append(Record{Timestamp: ts, BroadcastID: "b", Text: "进程一。"})
	if err := w1.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	w2 := NewWriter(dir, zerolog.Nop())
	w2.Append(Record{Timestamp: ts, BroadcastID: "b", Text: "进程二。"})
	defer w2.Close()

	recs := readLines(t, filepath.Join(dir, "b", "2026-03-14.jsonl"))
	if len(recs) != 2 {
		t.Fatalf("Expected append across restarts, got %d records", len(recs))
	}
}

func TestWriter_SanitizesBroadcastID(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, zerolog.Nop())
	defer w.Close()

	ts := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	w.Append(Record{Timestamp: ts, BroadcastID: "../../etc/passwd", Text: "x"})

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != ".._.._etc_passwd" {
		t.Errorf("Expected sanitized directory name, got %v", entries)
	}
}

func TestWriter_CloseIdempotent(t *testing.T) {
	w := NewWriter(t.TempDir(), zerolog.Nop())
	w.Append(Record{BroadcastID: "b", Text: "x"})
	if err := w.Close(); err != nil {
		t.Fatalf("first Close() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
	// Appends after close are silently ignored
	w.Append(Record{BroadcastID: "b", Text: "ignored"})
}
