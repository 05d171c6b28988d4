// Package sweep runs one cleanup pass over every account: scan, correlate,
// select, report and delete.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/e2esweep/internal/correlate"
	"github.com/yairfalse/e2esweep/internal/emitter"
	"github.com/yairfalse/e2esweep/internal/executor"
	"github.com/yairfalse/e2esweep/internal/filter"
	"github.com/yairfalse/e2esweep/internal/history"
	"github.com/yairfalse/e2esweep/internal/plugin"
	"github.com/yairfalse/e2esweep/internal/telemetry"
	"github.com/yairfalse/e2esweep/pkg/resource"
)

// AccountResolver lists the accounts to sweep.
type AccountResolver interface {
	Resolve(ctx context.Context) ([]resource.Account, error)
}

// Annotator attaches CI metadata to scanned records.
type Annotator interface {
	Annotate(ctx context.Context, inv *resource.Inventory)
}

// History records run summaries.
type History interface {
	Record(run history.Run) (string, error)
}

// Config configures a sweep.
type Config struct {
	Scope              filter.Scope
	AccountConcurrency int
	DeleteConcurrency  int
	DryRun             bool
}

// Deps are the collaborators of a sweep. Guard, Journal, Metrics and
// History are optional.
type Deps struct {
	Accounts  AccountResolver
	Plugins   plugin.Factory
	Annotator Annotator
	Emitter   emitter.Emitter
	Guard     executor.Guard
	Journal   executor.Journal
	Metrics   executor.Metrics
	History   History
}

// Summary is the outcome of a run.
type Summary struct {
	RunID    string
	Accounts int
	Groups   int
	Result   *executor.Result
}

// Sweeper coordinates a run across accounts.
type Sweeper struct {
	cfg    Config
	deps   Deps
	tracer trace.Tracer
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a sweeper.
func New(cfg Config, deps Deps) *Sweeper {
	if cfg.AccountConcurrency < 1 {
		cfg.AccountConcurrency = 1
	}
	return &Sweeper{
		cfg:    cfg,
		deps:   deps,
		tracer: otel.Tracer("sweep"),
		logger: telemetry.NewLogger("sweep"),
		now:    time.Now,
	}
}

// Run sweeps every account concurrently. An expired credential in any
// account cancels the rest: no new account starts, in-flight work sees a
// canceled context, and the fatal error is returned once everything has
// stopped. Every run is recorded in the history, fatal or not.
func (s *Sweeper) Run(ctx context.Context) (*Summary, error) {
	ctx, span := s.tracer.Start(ctx, "sweep.run",
		trace.WithAttributes(attribute.String("scope", s.cfg.Scope.String())))
	defer span.End()

	started := s.now()
	summary := &Summary{Result: &executor.Result{}}

	s.logger.Info().
		Str("scope", s.cfg.Scope.String()).
		Bool("dry_run", s.cfg.DryRun).
		Msg("starting sweep")

	err := s.run(ctx, summary)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	summary.RunID = s.recordHistory(started, summary, err)

	event := s.logger.Info()
	if err != nil {
		event = s.logger.Error().Err(err)
	}
	event.
		Int("accounts", summary.Accounts).
		Int("groups", summary.Groups).
		Int("deleted", summary.Result.Deleted).
		Int("failed", summary.Result.Failed).
		Int("skipped", summary.Result.Skipped).
		Dur("duration", s.now().Sub(started)).
		Msg("sweep finished")

	return summary, err
}

func (s *Sweeper) run(ctx context.Context, summary *Summary) error {
	accounts, err := s.deps.Accounts.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve accounts: %w", err)
	}
	summary.Accounts = len(accounts)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.AccountConcurrency)
	for _, acct := range accounts {
		g.Go(func() error {
			groups, result, err := s.sweepAccount(gctx, acct)
			mu.Lock()
			summary.Groups += groups
			summary.Result.Add(result)
			mu.Unlock()
			return err
		})
	}
	return g.Wait()
}

// sweepAccount returns an error only when the whole run must stop.
func (s *Sweeper) sweepAccount(ctx context.Context, acct resource.Account) (int, *executor.Result, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	ctx, span := s.tracer.Start(ctx, "sweep.account",
		trace.WithAttributes(attribute.Int("account", acct.Index)))
	defer span.End()

	logger := s.logger.With().Int("account", acct.Index).Logger()
	p := s.deps.Plugins(acct)

	start := s.now()
	regions, err := p.EnabledRegions(ctx)
	if err != nil {
		return 0, nil, s.accountError(span, logger, acct.Index, "resolve regions", err)
	}
	logger.Debug().Strs("regions", regions).Msg("scanning account")

	inv, err := p.Scan(ctx)
	if err != nil {
		return 0, nil, s.accountError(span, logger, acct.Index, "scan", err)
	}
	if s.deps.Annotator != nil {
		s.deps.Annotator.Annotate(ctx, &inv)
	}

	groups := s.cfg.Scope.Select(correlate.Correlate(inv))
	logger.Info().
		Int("scanned", inv.Count()).
		Int("groups", len(groups)).
		Int("resources", groups.Len()).
		Msg("selected job groups")

	if s.deps.Emitter != nil {
		result := resource.SweepResult{
			AccountIndex: acct.Index,
			Groups:       groups,
			Scanned:      inv.Count(),
			Duration:     s.now().Sub(start),
		}
		if err := s.deps.Emitter.Emit(ctx, result); err != nil {
			// Nothing is deleted that the report does not list.
			logger.Error().Err(err).Msg("report failed, skipping deletions for account")
			return len(groups), nil, nil
		}
	}

	exec := executor.New(p, executor.Config{
		Account:     acct.Index,
		Concurrency: s.cfg.DeleteConcurrency,
		DryRun:      s.cfg.DryRun,
		Guard:       s.deps.Guard,
		Journal:     s.deps.Journal,
		Metrics:     s.deps.Metrics,
	})
	result, err := exec.Execute(ctx, groups)
	if err != nil {
		return len(groups), result, s.accountError(span, logger, acct.Index, "delete", err)
	}
	return len(groups), result, nil
}

// accountError returns err wrapped when it must stop the run, and nil when
// only this account is affected.
func (s *Sweeper) accountError(span trace.Span, logger zerolog.Logger, account int, stage string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	switch {
	case plugin.IsFatal(err):
		logger.Error().Err(err).Str("stage", stage).Msg("credentials expired, stopping all accounts")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Warn().Err(err).Str("stage", stage).Msg("account sweep interrupted")
	default:
		logger.Error().Err(err).Str("stage", stage).Msg("account sweep failed")
		return nil
	}
	return fmt.Errorf("account %d: %s: %w", account, stage, err)
}

func (s *Sweeper) recordHistory(started time.Time, summary *Summary, runErr error) string {
	if s.deps.History == nil {
		return ""
	}
	run := history.Run{
		Started:  started,
		Finished: s.now(),
		Scope:    s.cfg.Scope.String(),
		DryRun:   s.cfg.DryRun,
		Accounts: summary.Accounts,
		Groups:   summary.Groups,
		Deleted:  summary.Result.Deleted,
		Failed:   summary.Result.Failed,
		Skipped:  summary.Result.Skipped,
	}
	if runErr != nil {
		run.Fatal = runErr.Error()
	}
	id, err := s.deps.History.Record(run)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cannot record run history")
		return ""
	}
	return id
}
