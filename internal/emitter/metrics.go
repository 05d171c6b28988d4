package emitter

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/e2esweep/internal/telemetry"
	"github.com/yairfalse/e2esweep/pkg/resource"
)

// MetricsEmitter records scan and selection counts through the telemetry
// provider.
type MetricsEmitter struct {
	provider *telemetry.Provider
	selected metric.Int64ObservableGauge
	logger   zerolog.Logger

	mu     sync.RWMutex
	counts map[resource.Kind]int64
}

// NewMetricsEmitter creates a metrics emitter.
func NewMetricsEmitter(p *telemetry.Provider) (*MetricsEmitter, error) {
	e := &MetricsEmitter{
		provider: p,
		logger:   telemetry.NewLogger("metrics"),
		counts:   make(map[resource.Kind]int64),
	}

	var err error
	e.selected, err = p.Meter().Int64ObservableGauge(
		"e2esweep_selected_resources",
		metric.WithDescription("Resources selected for deletion by kind"),
		metric.WithInt64Callback(e.observeSelected),
	)
	if err != nil {
		return nil, fmt.Errorf("create selected_resources gauge: %w", err)
	}
	return e, nil
}

// Emit records the account's scan and selection.
func (e *MetricsEmitter) Emit(ctx context.Context, result resource.SweepResult) error {
	e.provider.RecordScan(ctx, result.AccountIndex, result.Duration, result.Scanned)
	e.provider.RecordGroups(ctx, result.AccountIndex, len(result.Groups))

	if result.Error != nil {
		e.logger.Error().Err(result.Error).Int("account", result.AccountIndex).Msg("account sweep error")
	}

	e.mu.Lock()
	for _, g := range result.Groups {
		for kind, n := range g.CountByKind() {
			e.counts[kind] += int64(n)
		}
	}
	e.mu.Unlock()
	return nil
}

func (e *MetricsEmitter) observeSelected(_ context.Context, o metric.Int64Observer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, kind := range resource.Kinds {
		o.Observe(e.counts[kind], metric.WithAttributes(attribute.String("kind", string(kind))))
	}
	return nil
}

// Close is a no-op; the provider owns the exporters.
func (e *MetricsEmitter) Close() error {
	return nil
}
