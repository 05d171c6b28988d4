// Package executor deletes the resources of selected job groups.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/e2esweep/internal/guard"
	"github.com/yairfalse/e2esweep/internal/journal"
	"github.com/yairfalse/e2esweep/internal/plugin"
	"github.com/yairfalse/e2esweep/internal/telemetry"
	"github.com/yairfalse/e2esweep/pkg/resource"
)

// DefaultConcurrency bounds deletions within one phase.
const DefaultConcurrency = 10

// Skip reasons written to the journal.
const (
	ReasonDenied     = "denied by guard"
	ReasonGuardError = "guard error"
	ReasonDryRun     = "dry run"
)

// Guard decides whether a resource may be deleted.
type Guard interface {
	Allow(ctx context.Context, in guard.Input) (bool, error)
}

// Journal records deletion attempts.
type Journal interface {
	Record(e journal.Entry) error
}

// Metrics counts deletion outcomes.
type Metrics interface {
	RecordDeletion(ctx context.Context, kind, outcome string)
}

// Config configures an executor. Guard, Journal and Metrics are optional.
type Config struct {
	Account     int
	Concurrency int
	DryRun      bool
	Guard       Guard
	Journal     Journal
	Metrics     Metrics
	Now         func() time.Time
}

// Result counts deletion outcomes.
type Result struct {
	mu      sync.Mutex
	Deleted int
	Failed  int
	Skipped int
}

func (r *Result) count(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch outcome {
	case telemetry.OutcomeDeleted:
		r.Deleted++
	case telemetry.OutcomeFailed:
		r.Failed++
	case telemetry.OutcomeSkipped:
		r.Skipped++
	}
}

// Add accumulates other into r.
func (r *Result) Add(other *Result) {
	if other == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Deleted += other.Deleted
	r.Failed += other.Failed
	r.Skipped += other.Skipped
}

// Executor runs the deletion phases of job groups against one account.
type Executor struct {
	deleter plugin.Deleter
	cfg     Config
	logger  zerolog.Logger
}

// New creates an executor deleting through deleter.
func New(deleter plugin.Deleter, cfg Config) *Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Executor{
		deleter: deleter,
		cfg:     cfg,
		logger:  telemetry.NewLogger("executor").With().Int("account", cfg.Account).Logger(),
	}
}

// task is one resource deletion.
type task struct {
	kind    resource.Kind
	name    string
	region  string
	created time.Time
	run     func(context.Context) error
}

// Execute deletes every group in key order. Within a group the phases run in
// resource.Kinds order and each phase's deletions run concurrently.
// Individual failures are counted; only a fatal error is returned, and it
// stops the run at once.
func (e *Executor) Execute(ctx context.Context, groups resource.Groups) (*Result, error) {
	result := &Result{}
	for _, key := range groups.Keys() {
		if err := e.executeGroup(ctx, groups[key], result); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (e *Executor) executeGroup(ctx context.Context, g *resource.JobGroup, result *Result) error {
	e.logger.Info().
		Str("group", g.Key.String()).
		Int("resources", g.Len()).
		Bool("dry_run", e.cfg.DryRun).
		Msg("deleting job group")

	for _, phase := range e.phases(g) {
		if len(phase) == 0 {
			continue
		}

		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(e.cfg.Concurrency)
		for _, t := range phase {
			eg.Go(func() error {
				return e.delete(egCtx, g.Key, t, result)
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// phases returns g's deletions grouped by kind, in deletion order.
func (e *Executor) phases(g *resource.JobGroup) [][]task {
	d := e.deleter

	apps := make([]task, 0, len(g.AmplifyApps))
	for _, app := range g.AmplifyApps {
		apps = append(apps, task{
			kind:   resource.KindAmplifyApp,
			name:   app.Name,
			region: app.Region,
			run:    func(ctx context.Context) error { return d.DeleteAmplifyApp(ctx, app) },
		})
	}

	stacks := make([]task, 0, len(g.Stacks))
	for _, s := range g.Stacks {
		stacks = append(stacks, task{
			kind:    resource.KindStack,
			name:    s.Name,
			region:  s.Region,
			created: s.CreatedAt,
			run:     func(ctx context.Context) error { return d.DeleteStack(ctx, s) },
		})
	}

	buckets := make([]task, 0, len(g.Buckets))
	for _, b := range g.Buckets {
		buckets = append(buckets, task{
			kind:    resource.KindBucket,
			name:    b.Name,
			region:  b.Region,
			created: b.CreatedAt,
			run:     func(ctx context.Context) error { return d.DeleteBucket(ctx, b) },
		})
	}

	roles := make([]task, 0, len(g.Roles))
	for _, r := range g.Roles {
		roles = append(roles, task{
			kind:    resource.KindRole,
			name:    r.Name,
			created: r.CreatedAt,
			run:     func(ctx context.Context) error { return d.DeleteRole(ctx, r) },
		})
	}

	pinpoint := make([]task, 0, len(g.PinpointApps))
	for _, app := range g.PinpointApps {
		pinpoint = append(pinpoint, task{
			kind:    resource.KindPinpointApp,
			name:    app.Name,
			region:  app.Region,
			created: app.CreatedAt,
			run:     func(ctx context.Context) error { return d.DeletePinpointApp(ctx, app) },
		})
	}

	return [][]task{apps, stacks, buckets, roles, pinpoint}
}

// delete runs one task. It returns an error only when the run must stop.
func (e *Executor) delete(ctx context.Context, key resource.JobKey, t task, result *Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entry := journal.Entry{
		Account:  e.cfg.Account,
		Group:    key.String(),
		Kind:     t.kind,
		Resource: t.name,
		Region:   t.region,
	}
	logger := e.logger.With().
		Str("group", entry.Group).
		Str("kind", string(t.kind)).
		Str("resource", t.name).
		Str("region", t.region).
		Logger()

	if reason := e.skipReason(ctx, key, t, logger); reason != "" {
		logger.Info().Str("reason", reason).Msg("skipping deletion")
		entry.Type, entry.Reason = journal.EntrySkipped, reason
		e.finish(ctx, entry, telemetry.OutcomeSkipped, result, logger)
		return nil
	}

	entry.Type = journal.EntryDeleting
	if err := e.record(entry); err != nil {
		logger.Error().Err(err).Msg("cannot journal deletion, not deleting")
		result.count(telemetry.OutcomeFailed)
		e.recordMetric(ctx, t.kind, telemetry.OutcomeFailed)
		return nil
	}

	if err := t.run(ctx); err != nil {
		entry.Type, entry.Error = journal.EntryFailed, err.Error()
		e.finish(ctx, entry, telemetry.OutcomeFailed, result, logger)
		if plugin.IsFatal(err) {
			logger.Error().Err(err).Msg("credentials expired, stopping")
			return err
		}
		logger.Warn().Err(err).Msg("deletion failed")
		return nil
	}

	logger.Info().Msg("deleted")
	entry.Type = journal.EntryDeleted
	e.finish(ctx, entry, telemetry.OutcomeDeleted, result, logger)
	return nil
}

func (e *Executor) skipReason(ctx context.Context, key resource.JobKey, t task, logger zerolog.Logger) string {
	if e.cfg.Guard != nil {
		var age float64
		if !t.created.IsZero() {
			age = e.cfg.Now().Sub(t.created).Hours()
		}
		allow, err := e.cfg.Guard.Allow(ctx, guard.Input{
			Kind:     t.kind,
			Name:     t.name,
			Region:   t.region,
			Group:    key.String(),
			AgeHours: age,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("guard evaluation failed")
			return fmt.Sprintf("%s: %v", ReasonGuardError, err)
		}
		if !allow {
			return ReasonDenied
		}
	}
	if e.cfg.DryRun {
		return ReasonDryRun
	}
	return ""
}

func (e *Executor) finish(ctx context.Context, entry journal.Entry, outcome string, result *Result, logger zerolog.Logger) {
	if err := e.record(entry); err != nil {
		logger.Error().Err(err).Msg("cannot journal outcome")
	}
	result.count(outcome)
	e.recordMetric(ctx, entry.Kind, outcome)
}

func (e *Executor) record(entry journal.Entry) error {
	if e.cfg.Journal == nil {
		return nil
	}
	return e.cfg.Journal.Record(entry)
}

func (e *Executor) recordMetric(ctx context.Context, kind resource.Kind, outcome string) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordDeletion(ctx, string(kind), outcome)
	}
}
