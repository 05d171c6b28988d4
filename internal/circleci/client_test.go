package circleci

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const buildJSON = `{
  "build_url": "https://circleci.com/gh/aws-amplify/amplify-cli/100",
  "branch": "dev",
  "build_num": 100,
  "outcome": "success",
  "canceled": false,
  "infrastructure_fail": false,
  "status": "success",
  "lifecycle": "finished",
  "committer_name": null,
  "workflows": {"workflow_id": "wf-123", "workflow_name": "e2e"}
}`

func newTestServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		switch r.URL.Path {
		case "/project/github/aws-amplify/amplify-cli/100":
			assert.Equal(t, "secret", r.Header.Get("Circle-Token"))
			_, _ = w.Write([]byte(buildJSON))
		default:
			http.Error(w, `{"message":"Build not found"}`, http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server) *Client {
	return New(Config{BaseURL: srv.URL + "/", VCS: "github", Owner: "aws-amplify", Repo: "amplify-cli", Token: "secret"})
}

func TestJob(t *testing.T) {
	var hits int32
	c := newTestClient(newTestServer(t, &hits))

	job, err := c.Job(context.Background(), 100)

	require.NoError(t, err)
	assert.Equal(t, 100, job.BuildNum)
	assert.Equal(t, "dev", job.Branch)
	assert.Equal(t, "finished", job.Lifecycle)
	assert.Equal(t, "success", job.Status)
	assert.Equal(t, "wf-123", job.WorkflowID)
	assert.Equal(t, "e2e", job.WorkflowName)
}

func TestJob_NotFound(t *testing.T) {
	var hits int32
	c := newTestClient(newTestServer(t, &hits))

	_, err := c.Job(context.Background(), 5)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
}

func TestJob_Cached(t *testing.T) {
	var hits int32
	c := newTestClient(newTestServer(t, &hits))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Job(context.Background(), 100)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, err := c.Job(context.Background(), 100)
	require.NoError(t, err)

	_, _ = c.Job(context.Background(), 5)
	_, _ = c.Job(context.Background(), 5)

	before := atomic.LoadInt32(&hits)
	_, _ = c.Job(context.Background(), 100)
	_, _ = c.Job(context.Background(), 5)
	assert.Equal(t, before, atomic.LoadInt32(&hits))
}

func TestJob_ServerErrorNotCached(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(buildJSON))
	}))
	t.Cleanup(srv.Close)
	c := newTestClient(srv)

	_, err := c.Job(context.Background(), 100)
	require.Error(t, err)

	job, err := c.Job(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, "finished", job.Lifecycle)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))

	_, err = c.Job(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "success is cached")
}

func TestJob_CanceledContextNotCached(t *testing.T) {
	var hits int32
	c := newTestClient(newTestServer(t, &hits))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Job(ctx, 100)
	require.Error(t, err)

	job, err := c.Job(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 100, job.BuildNum)
}

func TestCacheable(t *testing.T) {
	assert.True(t, cacheable(nil))
	assert.True(t, cacheable(&StatusError{StatusCode: http.StatusNotFound}))
	assert.False(t, cacheable(&StatusError{StatusCode: http.StatusTooManyRequests}))
	assert.False(t, cacheable(&StatusError{StatusCode: http.StatusInternalServerError}))
	assert.False(t, cacheable(context.DeadlineExceeded))
}
