// Package aws scans and deletes the AWS resources CI end-to-end tests leave
// behind in one account.
package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/amplify"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/e2esweep/internal/filter"
	"github.com/yairfalse/e2esweep/internal/plugin"
	"github.com/yairfalse/e2esweep/internal/telemetry"
	"github.com/yairfalse/e2esweep/pkg/resource"
)

// GlobalRegion is where account-wide services (IAM, bucket listing) are called.
const GlobalRegion = "us-east-1"

// maxRetries matches the retry budget CI uses for its own AWS calls.
const maxRetries = 10

// Clients bundles the service clients bound to one account and region.
type Clients struct {
	CloudFormation CloudFormationAPI
	Amplify        AmplifyAPI
	S3             S3API
	IAM            IAMAPI
	Pinpoint       PinpointAPI
	EC2            EC2API
}

// ClientFactory returns clients for a region. Every call builds fresh clients
// so concurrent callers never share one.
type ClientFactory func(region string) Clients

// NewClientFactory binds base configuration to one account's credentials.
func NewClientFactory(base aws.Config, creds resource.Credentials) ClientFactory {
	provider := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
		creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken,
	))

	return func(region string) Clients {
		cfg := base.Copy()
		cfg.Region = region
		cfg.Credentials = provider
		cfg.RetryMaxAttempts = maxRetries

		return Clients{
			CloudFormation: cloudformation.NewFromConfig(cfg),
			Amplify:        amplify.NewFromConfig(cfg),
			S3:             s3.NewFromConfig(cfg),
			IAM:            iam.NewFromConfig(cfg),
			Pinpoint:       pinpoint.NewFromConfig(cfg),
			EC2:            ec2.NewFromConfig(cfg),
		}
	}
}

// Config holds AWS plugin configuration.
type Config struct {
	AccountIndex      int
	Regions           []string
	Staleness         filter.Staleness
	RegionConcurrency int
	StackWait         StackWait
	Clients           ClientFactory
}

// StackWait bounds the wait for a stack deletion to finish.
type StackWait struct {
	MaxAttempts  int
	PollInterval time.Duration
}

// withDefaults fills unset fields.
func (w StackWait) withDefaults() StackWait {
	if w.PollInterval <= 0 {
		w.PollInterval = 30 * time.Second
	}
	if w.MaxAttempts < 1 {
		w.MaxAttempts = 1
	}
	return w
}

// MaxWait is the longest DeleteStack waits for a stack to disappear.
func (w StackWait) MaxWait() time.Duration {
	w = w.withDefaults()
	return time.Duration(w.MaxAttempts) * w.PollInterval
}

// Plugin scans and deletes resources in one account.
type Plugin struct {
	account   int
	regions   []string
	stale     filter.Staleness
	limit     int
	stackWait StackWait
	clients   ClientFactory
	logger    zerolog.Logger
}

// New creates a plugin for one account.
func New(cfg Config) *Plugin {
	limit := cfg.RegionConcurrency
	if limit < 1 {
		limit = 1
	}
	return &Plugin{
		account:   cfg.AccountIndex,
		regions:   cfg.Regions,
		stale:     cfg.Staleness,
		limit:     limit,
		stackWait: cfg.StackWait,
		clients:   cfg.Clients,
		logger:    telemetry.NewLogger("aws").With().Int("account", cfg.AccountIndex).Logger(),
	}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "aws"
}

// EnabledRegions narrows the configured regions to the ones enabled in the
// account and returns them. If the lookup fails the configured regions are
// kept.
func (p *Plugin) EnabledRegions(ctx context.Context) ([]string, error) {
	out, err := p.clients(GlobalRegion).EC2.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		err = classify("describe regions", err)
		if IsFatal(err) {
			return nil, err
		}
		p.logger.Warn().Err(err).Msg("could not resolve enabled regions, scanning all configured regions")
		return p.regions, nil
	}

	enabled := make(map[string]bool, len(out.Regions))
	for _, r := range out.Regions {
		enabled[aws.ToString(r.RegionName)] = true
	}

	var regions []string
	for _, r := range p.regions {
		if enabled[r] {
			regions = append(regions, r)
		} else {
			p.logger.Info().Str("region", r).Msg("region not enabled, skipping")
		}
	}
	p.regions = regions
	return regions, nil
}

type scanner struct {
	name string
	fn   func(context.Context, *resource.Inventory) error
}

func (p *Plugin) scanners() []scanner {
	return []scanner{
		{"amplify_apps", func(ctx context.Context, inv *resource.Inventory) (err error) {
			inv.AmplifyApps, err = p.ScanAmplifyApps(ctx)
			return err
		}},
		{"stacks", func(ctx context.Context, inv *resource.Inventory) (err error) {
			inv.Stacks, err = p.ScanStacks(ctx)
			return err
		}},
		{"buckets", func(ctx context.Context, inv *resource.Inventory) (err error) {
			inv.Buckets, err = p.ScanBuckets(ctx)
			return err
		}},
		{"stale_buckets", func(ctx context.Context, inv *resource.Inventory) (err error) {
			inv.StaleBuckets, err = p.ScanStaleBuckets(ctx)
			return err
		}},
		{"stale_roles", func(ctx context.Context, inv *resource.Inventory) (err error) {
			inv.StaleRoles, err = p.ScanStaleRoles(ctx)
			return err
		}},
		{"stale_pinpoint_apps", func(ctx context.Context, inv *resource.Inventory) (err error) {
			inv.StalePinpointApps, err = p.ScanStalePinpointApps(ctx)
			return err
		}},
	}
}

// Scan runs every scanner concurrently. A scanner that fails is logged and
// contributes nothing; only an expired-credential error fails the scan.
func (p *Plugin) Scan(ctx context.Context) (resource.Inventory, error) {
	scanners := p.scanners()
	parts := make([]resource.Inventory, len(scanners))

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range scanners {
		g.Go(func() error {
			start := time.Now()
			err := s.fn(gctx, &parts[i])
			if err != nil {
				if IsFatal(err) {
					return err
				}
				p.logger.Warn().Err(err).Str("scanner", s.name).Msg("scan failed")
				return nil
			}
			p.logger.Debug().
				Str("scanner", s.name).
				Int("count", parts[i].Count()).
				Dur("duration", time.Since(start)).
				Msg("scan complete")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return resource.Inventory{}, err
	}

	var inv resource.Inventory
	for _, part := range parts {
		inv.AmplifyApps = append(inv.AmplifyApps, part.AmplifyApps...)
		inv.Stacks = append(inv.Stacks, part.Stacks...)
		inv.Buckets = append(inv.Buckets, part.Buckets...)
		inv.StaleBuckets = append(inv.StaleBuckets, part.StaleBuckets...)
		inv.StaleRoles = append(inv.StaleRoles, part.StaleRoles...)
		inv.StalePinpointApps = append(inv.StalePinpointApps, part.StalePinpointApps...)
	}
	return inv, nil
}

// forEachRegion runs fn for every region through a bounded pool and
// concatenates the results. Per-region failures are logged and skipped.
func forEachRegion[T any](ctx context.Context, p *Plugin, what string, fn func(context.Context, string) ([]T, error)) ([]T, error) {
	results := make([][]T, len(p.regions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit)
	for i, region := range p.regions {
		g.Go(func() error {
			items, err := fn(gctx, region)
			if err != nil {
				if IsFatal(err) {
					return err
				}
				p.logger.Warn().Err(err).Str("region", region).Msgf("listing %s failed", what)
				return nil
			}
			results[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []T
	for _, items := range results {
		all = append(all, items...)
	}
	return all, nil
}

func (p *Plugin) String() string {
	return fmt.Sprintf("aws[account %d]", p.account)
}

var _ plugin.Plugin = (*Plugin)(nil)
