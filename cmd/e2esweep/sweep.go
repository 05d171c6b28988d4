package main

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/oklog/run"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"

	"github.com/yairfalse/e2esweep/internal/account"
	"github.com/yairfalse/e2esweep/internal/circleci"
	"github.com/yairfalse/e2esweep/internal/config"
	"github.com/yairfalse/e2esweep/internal/correlate"
	"github.com/yairfalse/e2esweep/internal/emitter"
	"github.com/yairfalse/e2esweep/internal/filter"
	"github.com/yairfalse/e2esweep/internal/guard"
	"github.com/yairfalse/e2esweep/internal/history"
	"github.com/yairfalse/e2esweep/internal/journal"
	"github.com/yairfalse/e2esweep/internal/plugin"
	awsplugin "github.com/yairfalse/e2esweep/internal/plugin/aws"
	"github.com/yairfalse/e2esweep/internal/sweep"
	"github.com/yairfalse/e2esweep/internal/telemetry"
	"github.com/yairfalse/e2esweep/pkg/resource"
)

const shutdownTimeout = 10 * time.Second

// runSweep runs one sweep next to a signal handler; whichever returns first
// interrupts the other.
func runSweep(ctx context.Context, scope filter.Scope) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group
	g.Add(func() error {
		return sweepOnce(sweepCtx, cfg, scope)
	}, func(error) {
		cancel()
	})
	g.Add(run.SignalHandler(sweepCtx, os.Interrupt, syscall.SIGTERM))

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		log.Warn().Str("signal", sigErr.Signal.String()).Msg("interrupted")
	}
	return err
}

func sweepOnce(ctx context.Context, cfg *config.Config, scope filter.Scope) error {
	tp, err := telemetry.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.OrgRegion))
	if err != nil {
		return err
	}

	if cfg.CircleCI.Token == "" {
		log.Warn().Msg("no CircleCI token, job lookups will fail and only orphans are swept")
	}
	ci := circleci.New(circleci.Config{
		BaseURL: cfg.CircleCI.BaseURL,
		VCS:     cfg.CircleCI.VCS,
		Owner:   cfg.CircleCI.Owner,
		Repo:    cfg.CircleCI.Repo,
		Token:   cfg.CircleCI.Token,
	})

	g, err := guard.New(ctx, guard.Config{PolicyFile: cfg.PolicyFile, Protected: cfg.Protected})
	if err != nil {
		return err
	}

	j, err := journal.Open(cfg.JournalDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := j.Close(); err != nil {
			log.Error().Err(err).Msg("closing journal failed")
		}
	}()

	runs, err := history.Open(cfg.HistoryPath)
	if err != nil {
		return err
	}
	defer func() { _ = runs.Close() }()

	report := emitter.NewReportEmitter(cfg.ReportPath)
	metricsEmitter, err := emitter.NewMetricsEmitter(tp)
	if err != nil {
		return err
	}
	emit := emitter.NewMultiEmitter(report, metricsEmitter)
	defer func() { _ = emit.Close() }()

	staleness := filter.NewStaleness(cfg.StaleAfter)
	plugins := func(a resource.Account) plugin.Plugin {
		return awsplugin.New(awsplugin.Config{
			AccountIndex:      a.Index,
			Regions:           cfg.Regions,
			Staleness:         staleness,
			RegionConcurrency: cfg.Concurrency.Regions,
			StackWait: awsplugin.StackWait{
				MaxAttempts:  cfg.StackDelete.MaxAttempts,
				PollInterval: cfg.StackDelete.PollInterval,
			},
			Clients: awsplugin.NewClientFactory(awsCfg, a.Credentials),
		})
	}

	sweeper := sweep.New(sweep.Config{
		Scope:              scope,
		AccountConcurrency: cfg.Concurrency.Accounts,
		DeleteConcurrency:  cfg.Concurrency.Deletes,
		DryRun:             cfg.DryRun,
	}, sweep.Deps{
		Accounts:  account.New(awsCfg, account.Config{RoleName: cfg.AssumeRoleName}),
		Plugins:   plugins,
		Annotator: correlate.NewAnnotator(ci, cfg.Concurrency.Lookups),
		Emitter:   emit,
		Guard:     g,
		Journal:   j,
		Metrics:   tp,
		History:   runs,
	})

	log.Info().
		Str("scope", scope.String()).
		Dur("stack_delete_max_wait", cfg.StackDelete.MaxWait()).
		Bool("dry_run", cfg.DryRun).
		Msg("starting sweep")

	ctx, span := tp.StartSpan(ctx, "sweep")
	summary, err := sweeper.Run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	if cfg.Metrics.Textfile != "" {
		if werr := tp.WriteTextfile(cfg.Metrics.Textfile); werr != nil {
			log.Error().Err(werr).Msg("writing metrics textfile failed")
		}
	}

	log.Info().
		Str("report", report.Path()).
		Str("journal", j.Path()).
		Str("run", summary.RunID).
		Msg("outputs written")
	return err
}
