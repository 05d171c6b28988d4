package emitter

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/e2esweep/pkg/resource"
)

func sweepResult(account int, groups ...resource.JobGroup) resource.SweepResult {
	gs := resource.Groups{}
	for _, g := range groups {
		gs.Add(g)
	}
	return resource.SweepResult{AccountIndex: account, Groups: gs}
}

func TestReportEmitter_MergesAccounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "stale-resources.json")
	e := NewReportEmitter(path)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, e.Emit(ctx, sweepResult(0,
		resource.JobGroup{Key: resource.JobKeyFor(100), Stacks: []resource.Stack{{Name: "amplify-a", Region: "us-east-1", CreatedAt: created}}},
		resource.JobGroup{Key: resource.Orphan, Roles: []resource.Role{{Name: "old-role", CreatedAt: created}}},
	)))
	require.NoError(t, e.Emit(ctx, sweepResult(1,
		resource.JobGroup{Key: resource.JobKeyFor(100), Buckets: []resource.Bucket{{Name: "bucket-b", Region: "us-west-2"}}},
	)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var report map[string]resource.JobGroup
	require.NoError(t, json.Unmarshal(data, &report))
	require.Len(t, report, 2)

	job := report["100"]
	assert.Len(t, job.Stacks, 1)
	assert.Len(t, job.Buckets, 1)
	assert.Equal(t, "bucket-b", job.Buckets[0].Name)
	assert.Len(t, report["<orphan>"].Roles, 1)

	assert.True(t, strings.Contains(string(data), "\n    \""), "report uses four-space indent")

	assert.Equal(t, 2, len(e.Groups()))
}

func TestReportEmitter_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	e := NewReportEmitter(filepath.Join(dir, "report.json"))

	require.NoError(t, e.Emit(context.Background(), sweepResult(0)))
	require.NoError(t, e.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "report.json", entries[0].Name())

	data, err := os.ReadFile(filepath.Join(dir, "report.json"))
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(data))
}

func TestReportEmitter_DoesNotEscapeHTML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	e := NewReportEmitter(path)

	require.NoError(t, e.Emit(context.Background(), sweepResult(0,
		resource.JobGroup{Key: resource.JobKeyFor(9), CI: &resource.CIJob{Branch: "feat/<x>&y", BuildNum: 9}},
	)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "feat/<x>&y")
}

func TestNewReportEmitter_DefaultPath(t *testing.T) {
	assert.Equal(t, DefaultReportPath, NewReportEmitter("").Path())
}
