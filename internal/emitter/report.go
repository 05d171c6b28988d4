package emitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/yairfalse/e2esweep/internal/telemetry"
	"github.com/yairfalse/e2esweep/pkg/resource"
)

// DefaultReportPath is where the report lands unless configured otherwise.
const DefaultReportPath = "amplify-e2e-reports/stale-resources.json"

// ReportEmitter keeps the selected groups of every account emitted so far
// and rewrites the report file after each one.
type ReportEmitter struct {
	path   string
	mu     sync.Mutex
	groups resource.Groups
	logger zerolog.Logger
}

// NewReportEmitter creates a report emitter writing to path.
func NewReportEmitter(path string) *ReportEmitter {
	if path == "" {
		path = DefaultReportPath
	}
	return &ReportEmitter{
		path:   path,
		groups: resource.Groups{},
		logger: telemetry.NewLogger("report"),
	}
}

// Path returns the report file path.
func (e *ReportEmitter) Path() string {
	return e.path
}

// Emit merges result's groups into the report and rewrites it.
func (e *ReportEmitter) Emit(_ context.Context, result resource.SweepResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.groups.Merge(result.Groups)
	if err := e.write(); err != nil {
		return err
	}

	e.logger.Info().
		Int("account", result.AccountIndex).
		Int("groups", len(e.groups)).
		Str("path", e.path).
		Msg("report written")
	return nil
}

// Groups returns a copy of the merged groups.
func (e *ReportEmitter) Groups() resource.Groups {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := resource.Groups{}
	out.Merge(e.groups)
	return out
}

func (e *ReportEmitter) write() error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(e.groups); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	dir := filepath.Dir(e.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".report-*.json")
	if err != nil {
		return fmt.Errorf("create temp report: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close report: %w", err)
	}
	if err := os.Rename(tmp.Name(), e.path); err != nil {
		return fmt.Errorf("rename report: %w", err)
	}
	return nil
}

// Close is a no-op; the report is complete after every Emit.
func (e *ReportEmitter) Close() error {
	return nil
}
