// Package correlate attaches CI job metadata to scanned resources and groups
// them by the job that created them.
package correlate

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/e2esweep/internal/telemetry"
	"github.com/yairfalse/e2esweep/pkg/resource"
)

// BuildIDTag is the tag CI stamps on every stack and bucket it creates.
const BuildIDTag = "circleci:build_id"

// BuildID returns the numeric job id in tags, or 0 if there is none.
func BuildID(tags map[string]string) int {
	v, ok := tags[BuildIDTag]
	if !ok {
		return 0
	}
	id, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || id < 1 {
		return 0
	}
	return id
}

// JobLookup fetches CI metadata for one job.
type JobLookup interface {
	Job(ctx context.Context, buildNum int) (*resource.CIJob, error)
}

// Annotator fills in CI metadata on scanned records.
type Annotator struct {
	lookup JobLookup
	limit  int
	logger zerolog.Logger
}

// NewAnnotator creates an annotator issuing at most limit lookups at once.
func NewAnnotator(lookup JobLookup, limit int) *Annotator {
	if limit < 1 {
		limit = 1
	}
	return &Annotator{
		lookup: lookup,
		limit:  limit,
		logger: telemetry.NewLogger("correlate"),
	}
}

// Annotate sets CI on every stack, bucket and backend stack that carries a
// job id. A failed lookup leaves CI nil.
func (a *Annotator) Annotate(ctx context.Context, inv *resource.Inventory) {
	ids := map[int]struct{}{}
	for _, s := range inv.Stacks {
		if s.BuildID > 0 {
			ids[s.BuildID] = struct{}{}
		}
	}
	for _, b := range inv.Buckets {
		if b.BuildID > 0 {
			ids[b.BuildID] = struct{}{}
		}
	}
	for _, app := range inv.AmplifyApps {
		for _, s := range app.Backends {
			if s.BuildID > 0 {
				ids[s.BuildID] = struct{}{}
			}
		}
	}

	jobs := a.fetch(ctx, ids)

	for i := range inv.Stacks {
		inv.Stacks[i].CI = jobs[inv.Stacks[i].BuildID]
	}
	for i := range inv.Buckets {
		inv.Buckets[i].CI = jobs[inv.Buckets[i].BuildID]
	}
	for i := range inv.AmplifyApps {
		for env, s := range inv.AmplifyApps[i].Backends {
			s.CI = jobs[s.BuildID]
			inv.AmplifyApps[i].Backends[env] = s
		}
	}
}

func (a *Annotator) fetch(ctx context.Context, ids map[int]struct{}) map[int]*resource.CIJob {
	type result struct {
		id  int
		job *resource.CIJob
	}
	results := make(chan result, len(ids))

	var g errgroup.Group
	g.SetLimit(a.limit)
	for id := range ids {
		g.Go(func() error {
			job, err := a.lookup.Job(ctx, id)
			if err != nil {
				a.logger.Warn().Err(err).Int("job", id).Msg("CI job lookup failed")
				return nil
			}
			results <- result{id: id, job: job}
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	jobs := make(map[int]*resource.CIJob, len(ids))
	for r := range results {
		jobs[r.id] = r.job
	}
	return jobs
}

// keyOf returns the group key of a record with the given tag job id.
func keyOf(buildID int) resource.JobKey {
	return resource.JobKeyFor(buildID)
}

// appKey classifies a platform app by the jobs behind its backends.
func appKey(app resource.AmplifyApp) (resource.JobKey, *resource.CIJob) {
	if len(app.Backends) == 0 {
		return resource.Orphan, nil
	}

	var (
		key   resource.JobKey
		ci    *resource.CIJob
		first = true
	)
	for _, s := range app.Backends {
		k := keyOf(s.BuildID)
		if first {
			key, ci, first = k, s.CI, false
			continue
		}
		if k != key {
			return resource.MultiJob, nil
		}
		if ci == nil {
			ci = s.CI
		}
	}
	return key, ci
}

// Correlate groups an account's inventory by job. Platform apps whose
// backends were created by more than one job are left out.
func Correlate(inv resource.Inventory) resource.Groups {
	groups := resource.Groups{}
	logger := telemetry.NewLogger("correlate")

	for _, app := range inv.AmplifyApps {
		key, ci := appKey(app)
		if key == resource.MultiJob {
			logger.Info().
				Str("app", app.AppID).
				Str("region", app.Region).
				Msg("app has backends from several jobs, leaving it alone")
			continue
		}
		groups.Add(resource.JobGroup{Key: key, CI: ci, AmplifyApps: []resource.AmplifyApp{app}})
	}

	for _, s := range inv.Stacks {
		groups.Add(resource.JobGroup{Key: keyOf(s.BuildID), CI: s.CI, Stacks: []resource.Stack{s}})
	}

	// Stale test buckets are also listed with every other bucket. A tagged
	// one stays with its job; an untagged one belongs only to the orphans.
	stale := make(map[string]bool, len(inv.StaleBuckets))
	for _, b := range inv.StaleBuckets {
		stale[b.Name] = true
	}
	tagged := map[string]bool{}
	for _, b := range inv.Buckets {
		if b.BuildID <= 0 && stale[b.Name] {
			continue
		}
		if b.BuildID > 0 {
			tagged[b.Name] = true
		}
		groups.Add(resource.JobGroup{Key: keyOf(b.BuildID), CI: b.CI, Buckets: []resource.Bucket{b}})
	}

	var orphanBuckets []resource.Bucket
	for _, b := range inv.StaleBuckets {
		if !tagged[b.Name] {
			orphanBuckets = append(orphanBuckets, b)
		}
	}

	if len(orphanBuckets)+len(inv.StaleRoles)+len(inv.StalePinpointApps) > 0 {
		groups.Add(resource.JobGroup{
			Key:          resource.Orphan,
			Buckets:      orphanBuckets,
			Roles:        inv.StaleRoles,
			PinpointApps: inv.StalePinpointApps,
		})
	}

	return groups
}
