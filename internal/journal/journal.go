// Package journal keeps an append-only record of every deletion a run
// attempts.
package journal

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

	"github.com/yairfalse/e2esweep/pkg/resource"
)

// EntryType defines the type of journal entry.
type EntryType string

const (
	EntryDeleting EntryType = "deleting"
	EntryDeleted  EntryType = "deleted"
	EntryFailed   EntryType = "failed"
	EntrySkipped  EntryType = "skipped"
)

// Entry is one line of the journal.
type Entry struct {
	Timestamp time.Time     `json:"timestamp"`
	Sequence  int64         `json:"sequence"`
	Type      EntryType     `json:"type"`
	Account   int           `json:"account"`
	Group     string        `json:"group"`
	Kind      resource.Kind `json:"kind"`
	Resource  string        `json:"resource"`
	Region    string        `json:"region,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Journal appends entries as JSON lines, one file per run.
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	path     string
	now      func() time.Time
}

// Open creates a new journal file in dir.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	now := time.Now()
	path := filepath.Join(dir, fmt.Sprintf("e2esweep-%s.journal", now.UTC().Format("20060102-150405.000")))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) // #nosec G304 -- dir comes from config
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}

	return &Journal{
		file:   file,
		writer: bufio.NewWriter(file),
		path:   path,
		now:    time.Now,
	}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Record appends e, stamping its time and sequence number.
func (j *Journal) Record(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.sequence++
	e.Sequence = j.sequence
	e.Timestamp = j.now()

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if _, err := j.writer.Write(line); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	if err := j.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}

	// Deleting entries must be on disk before the delete call goes out.
	if e.Type == EntryDeleting {
		if err := j.writer.Flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}
	return nil
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writer.Flush(); err != nil {
		return err
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	return j.file.Close()
}

// Reader replays a journal file.
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader opens a journal file for replay.
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	return &Reader{scanner: bufio.NewScanner(file), file: file}, nil
}

// Next returns the next entry, or io.EOF.
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var e Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &e); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	return &e, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Read returns every entry of a journal file.
func Read(path string) ([]Entry, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	var entries []Entry
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
}
