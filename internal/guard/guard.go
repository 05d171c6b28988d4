// Package guard evaluates a Rego policy before every deletion.
package guard

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/e2esweep/internal/telemetry"
	"github.com/yairfalse/e2esweep/pkg/resource"
)

// Query is the rule every policy must define.
const Query = "data.e2esweep.guard.allow"

// DefaultPolicy allows everything except the CI token-rotation role and
// names listed in data.protected.
const DefaultPolicy = `package e2esweep.guard

import rego.v1

default allow := true

allow := false if deny

deny if input.name == "RotateE2eAwsToken-e2eTestContextRole"

deny if input.name in data.protected
`

// ErrNoDecision is returned when the policy leaves allow undefined.
var ErrNoDecision = errors.New("policy produced no decision")

// Input is what the policy sees for one resource.
type Input struct {
	Kind     resource.Kind `json:"kind"`
	Name     string        `json:"name"`
	Region   string        `json:"region"`
	Group    string        `json:"group"`
	AgeHours float64       `json:"age_hours"`
}

// Config configures the guard.
type Config struct {
	// PolicyFile replaces DefaultPolicy when set.
	PolicyFile string
	Protected  []string
}

// Guard is a compiled deletion policy.
type Guard struct {
	query  rego.PreparedEvalQuery
	tracer trace.Tracer
	logger zerolog.Logger
}

// New compiles the configured policy.
func New(ctx context.Context, cfg Config) (*Guard, error) {
	name, src := "builtin.rego", DefaultPolicy
	if cfg.PolicyFile != "" {
		data, err := os.ReadFile(cfg.PolicyFile) // #nosec G304 -- path is intentional user input
		if err != nil {
			return nil, fmt.Errorf("read policy file: %w", err)
		}
		name, src = cfg.PolicyFile, string(data)
	}

	protected := make([]any, 0, len(cfg.Protected))
	for _, p := range cfg.Protected {
		protected = append(protected, p)
	}
	store := inmem.NewFromObject(map[string]any{"protected": protected})

	prepared, err := rego.New(
		rego.Query(Query),
		rego.Module(name, src),
		rego.Store(store),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile policy %s: %w", name, err)
	}

	g := &Guard{
		query:  prepared,
		tracer: otel.Tracer("guard"),
		logger: telemetry.NewLogger("guard"),
	}
	g.logger.Debug().Str("policy", name).Int("protected", len(protected)).Msg("deletion guard loaded")
	return g, nil
}

// Allow reports whether the resource may be deleted.
func (g *Guard) Allow(ctx context.Context, in Input) (bool, error) {
	ctx, span := g.tracer.Start(ctx, "guard.allow",
		trace.WithAttributes(
			attribute.String("resource.kind", string(in.Kind)),
			attribute.String("resource.group", in.Group),
		))
	defer span.End()

	results, err := g.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return false, fmt.Errorf("evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, ErrNoDecision
	}

	allow, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("policy returned %T, want bool", results[0].Expressions[0].Value)
	}
	span.SetAttributes(attribute.Bool("guard.allow", allow))
	return allow, nil
}
