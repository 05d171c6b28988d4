package telemetry

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/yairfalse/e2esweep/internal/config"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := NewProvider(context.Background(), config.OTELConfig{ServiceName: "test-e2esweep"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func TestNewProvider_NoEndpoint(t *testing.T) {
	p := newTestProvider(t)

	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())
	assert.NotNil(t, p.Registry())
}

func TestNewProvider_WithEndpoint(t *testing.T) {
	cfg := config.OTELConfig{
		Endpoint:    "localhost:4317",
		Insecure:    true,
		ServiceName: "test-e2esweep",
	}

	// Exporters connect lazily, so setup succeeds without a collector.
	p, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = p.Shutdown(ctx)
}

func TestProvider_StartSpan(t *testing.T) {
	p := newTestProvider(t)

	ctx, span := p.StartSpan(context.Background(), "sweep")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	span.End()
}

func TestProvider_WriteTextfile(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	p.RecordScan(ctx, 0, 2*time.Second, 12)
	p.RecordDeletion(ctx, "bucket", OutcomeDeleted)
	p.RecordDeletion(ctx, "bucket", OutcomeFailed)
	p.RecordGroups(ctx, 0, 3)

	path := filepath.Join(t.TempDir(), "e2esweep.prom")
	require.NoError(t, p.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "e2esweep_resources_scanned_total")
	assert.Contains(t, text, "e2esweep_deletions_total")
	assert.Contains(t, text, `outcome="failed"`)
	assert.Contains(t, text, "e2esweep_scan_duration_seconds")
}

func TestNewLogger_AddsTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	logger := NewLogger("executor")
	logger.Info().Ctx(ctx).Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"component":"executor"`)
	assert.Contains(t, out, span.SpanContext().TraceID().String())
}
