package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/e2esweep/internal/filter"
	"github.com/yairfalse/e2esweep/internal/history"
	"github.com/yairfalse/e2esweep/internal/plugin"
	"github.com/yairfalse/e2esweep/pkg/resource"
)

type staticAccounts struct {
	accounts []resource.Account
	err      error
}

func (s staticAccounts) Resolve(context.Context) ([]resource.Account, error) {
	return s.accounts, s.err
}

func accounts(n int) staticAccounts {
	var out []resource.Account
	for i := 0; i < n; i++ {
		out = append(out, resource.Account{Index: i, ID: fmt.Sprintf("%012d", i)})
	}
	return staticAccounts{accounts: out}
}

// fakePlugin returns a fixed inventory and records deletions.
type fakePlugin struct {
	inv       resource.Inventory
	scanErr   error
	deleteErr error

	mu      sync.Mutex
	deleted []string
}

func (f *fakePlugin) Name() string { return "fake" }

func (f *fakePlugin) EnabledRegions(context.Context) ([]string, error) {
	return []string{"us-east-1"}, nil
}

func (f *fakePlugin) Scan(ctx context.Context) (resource.Inventory, error) {
	if f.scanErr != nil {
		return resource.Inventory{}, f.scanErr
	}
	return f.inv, ctx.Err()
}

func (f *fakePlugin) del(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return f.deleteErr
}

func (f *fakePlugin) DeleteAmplifyApp(_ context.Context, a resource.AmplifyApp) error {
	return f.del(a.Name)
}

func (f *fakePlugin) DeleteStack(_ context.Context, s resource.Stack) error {
	return f.del(s.Name)
}

func (f *fakePlugin) DeleteBucket(_ context.Context, b resource.Bucket) error {
	return f.del(b.Name)
}

func (f *fakePlugin) DeleteRole(_ context.Context, r resource.Role) error {
	return f.del(r.Name)
}

func (f *fakePlugin) DeletePinpointApp(_ context.Context, a resource.PinpointApp) error {
	return f.del(a.Name)
}

func (f *fakePlugin) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type recordingEmitter struct {
	mu      sync.Mutex
	results []resource.SweepResult
	err     error
}

func (e *recordingEmitter) Emit(_ context.Context, r resource.SweepResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = append(e.results, r)
	return e.err
}

func (e *recordingEmitter) Close() error { return nil }

type memHistory struct {
	runs []history.Run
}

func (h *memHistory) Record(run history.Run) (string, error) {
	run.ID = fmt.Sprintf("run-%d", len(h.runs)+1)
	h.runs = append(h.runs, run)
	return run.ID, nil
}

func testInventory() resource.Inventory {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return resource.Inventory{
		Stacks: []resource.Stack{
			{Name: "stack-100", BuildID: 100, CI: &resource.CIJob{BuildNum: 100, WorkflowID: "wf-a", Lifecycle: filter.LifecycleFinished}},
			{Name: "stack-200", BuildID: 200, CI: &resource.CIJob{BuildNum: 200, WorkflowID: "wf-b", Lifecycle: filter.LifecycleFinished}},
		},
		Buckets:    []resource.Bucket{{Name: "bucket-100", BuildID: 100}},
		StaleRoles: []resource.Role{{Name: "stale-role", CreatedAt: created}},
	}
}

func pluginsFor(ps map[int]*fakePlugin) plugin.Factory {
	return func(a resource.Account) plugin.Plugin {
		return ps[a.Index]
	}
}

func TestRun_AllScope(t *testing.T) {
	p := &fakePlugin{inv: testInventory()}
	em := &recordingEmitter{}
	h := &memHistory{}

	s := New(Config{Scope: filter.All(), AccountConcurrency: 2}, Deps{
		Accounts: accounts(1),
		Plugins:  pluginsFor(map[int]*fakePlugin{0: p}),
		Emitter:  em,
		History:  h,
	})

	summary, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"stack-100", "stack-200", "bucket-100", "stale-role"}, p.Deleted())
	assert.Equal(t, 4, summary.Result.Deleted)
	assert.Equal(t, 3, summary.Groups)
	assert.Equal(t, 1, summary.Accounts)
	assert.Equal(t, "run-1", summary.RunID)

	require.Len(t, em.results, 1)
	assert.Equal(t, 4, em.results[0].Groups.Len())

	require.Len(t, h.runs, 1)
	assert.Empty(t, h.runs[0].Fatal)
	assert.Equal(t, 4, h.runs[0].Deleted)
}

func TestRun_WorkflowScope(t *testing.T) {
	p := &fakePlugin{inv: testInventory()}

	s := New(Config{Scope: filter.Workflow("wf-b")}, Deps{
		Accounts: accounts(1),
		Plugins:  pluginsFor(map[int]*fakePlugin{0: p}),
	})

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"stack-200"}, p.Deleted())
}

func TestRun_JobScope(t *testing.T) {
	p := &fakePlugin{inv: testInventory()}

	s := New(Config{Scope: filter.Job(100)}, Deps{
		Accounts: accounts(1),
		Plugins:  pluginsFor(map[int]*fakePlugin{0: p}),
	})

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"stack-100", "bucket-100"}, p.Deleted())
}

func TestRun_ReportBeforeDeletion(t *testing.T) {
	p := &fakePlugin{inv: testInventory()}
	em := &recordingEmitter{err: errors.New("disk full")}

	s := New(Config{Scope: filter.All()}, Deps{
		Accounts: accounts(1),
		Plugins:  pluginsFor(map[int]*fakePlugin{0: p}),
		Emitter:  em,
	})

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, em.results, 1)
	assert.Empty(t, p.Deleted(), "nothing is deleted when the report cannot be written")
}

func TestRun_ExpiredCredentialsStopsAllAccounts(t *testing.T) {
	expired := fmt.Errorf("list stacks: %w", plugin.ErrCredentialsExpired)
	first := &fakePlugin{inv: testInventory(), scanErr: expired}
	second := &fakePlugin{inv: testInventory()}
	h := &memHistory{}

	s := New(Config{Scope: filter.All(), AccountConcurrency: 1}, Deps{
		Accounts: accounts(2),
		Plugins:  pluginsFor(map[int]*fakePlugin{0: first, 1: second}),
		History:  h,
	})

	_, err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, plugin.ErrCredentialsExpired))
	assert.Empty(t, second.Deleted())

	require.Len(t, h.runs, 1)
	assert.Contains(t, h.runs[0].Fatal, "credentials expired")
}

func TestRun_FatalDuringDeletion(t *testing.T) {
	p := &fakePlugin{inv: testInventory(), deleteErr: plugin.ErrCredentialsExpired}

	s := New(Config{Scope: filter.All(), DeleteConcurrency: 1}, Deps{
		Accounts: accounts(1),
		Plugins:  pluginsFor(map[int]*fakePlugin{0: p}),
	})

	summary, err := s.Run(context.Background())
	require.ErrorIs(t, err, plugin.ErrCredentialsExpired)
	assert.Len(t, p.Deleted(), 1)
	assert.Equal(t, 1, summary.Result.Failed)
}

func TestRun_NonFatalAccountFailure(t *testing.T) {
	broken := &fakePlugin{scanErr: errors.New("throttled")}
	healthy := &fakePlugin{inv: testInventory()}

	s := New(Config{Scope: filter.All(), AccountConcurrency: 2}, Deps{
		Accounts: accounts(2),
		Plugins:  pluginsFor(map[int]*fakePlugin{0: broken, 1: healthy}),
	})

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, healthy.Deleted(), 4)
	assert.Equal(t, 4, summary.Result.Deleted)
}

func TestRun_DryRun(t *testing.T) {
	p := &fakePlugin{inv: testInventory()}

	s := New(Config{Scope: filter.All(), DryRun: true}, Deps{
		Accounts: accounts(1),
		Plugins:  pluginsFor(map[int]*fakePlugin{0: p}),
	})

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, p.Deleted())
	assert.Equal(t, 4, summary.Result.Skipped)
}

func TestRun_ResolveFailure(t *testing.T) {
	h := &memHistory{}
	s := New(Config{Scope: filter.All()}, Deps{
		Accounts: staticAccounts{err: errors.New("no credentials")},
		History:  h,
	})

	_, err := s.Run(context.Background())
	require.Error(t, err)
	require.Len(t, h.runs, 1)
	assert.Contains(t, h.runs[0].Fatal, "no credentials")
}

func TestRun_MultipleAccountsMerged(t *testing.T) {
	ps := map[int]*fakePlugin{
		0: {inv: testInventory()},
		1: {inv: testInventory()},
		2: {inv: testInventory()},
	}
	em := &recordingEmitter{}

	s := New(Config{Scope: filter.Job(100), AccountConcurrency: 3}, Deps{
		Accounts: accounts(3),
		Plugins:  pluginsFor(ps),
		Emitter:  em,
	})

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Result.Deleted)
	assert.Equal(t, 3, summary.Groups)
	assert.Len(t, em.results, 3)
}
