// Package circleci looks up the CI jobs that created test resources.
package circleci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yairfalse/e2esweep/pkg/resource"
)

// Config identifies the CI project.
type Config struct {
	BaseURL string // e.g. "https://circleci.com/api/v1.1"
	VCS     string // "github"
	Owner   string
	Repo    string
	Token   string
	Timeout time.Duration
}

// Client fetches job details. Many resources share one job, so a job and
// any definitive client error for it are cached for the lifetime of the
// client. Network failures and server errors are retried on the next call.
type Client struct {
	cfg  Config
	http *http.Client

	group singleflight.Group
	mu    sync.RWMutex
	cache map[int]cachedJob
}

type cachedJob struct {
	job *resource.CIJob
	err error
}

// StatusError is a non-200 response from the CI API.
type StatusError struct {
	BuildNum   int
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("get build %d: status %d: %s", e.BuildNum, e.StatusCode, e.Body)
}

// cacheable reports whether a lookup outcome will not change on retry.
func cacheable(err error) bool {
	if err == nil {
		return true
	}
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return se.StatusCode >= 400 && se.StatusCode < 500
}

// build is the subset of the v1.1 build response e2esweep uses.
type build struct {
	BuildURL           string `json:"build_url"`
	Branch             string `json:"branch"`
	BuildNum           int    `json:"build_num"`
	Outcome            string `json:"outcome"`
	Canceled           bool   `json:"canceled"`
	InfrastructureFail bool   `json:"infrastructure_fail"`
	Status             string `json:"status"`
	Lifecycle          string `json:"lifecycle"`
	CommitterName      string `json:"committer_name"`
	Workflows          *struct {
		WorkflowID   string `json:"workflow_id"`
		WorkflowName string `json:"workflow_name"`
	} `json:"workflows"`
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		cache: make(map[int]cachedJob),
	}
}

// Job returns the details of one build.
func (c *Client) Job(ctx context.Context, buildNum int) (*resource.CIJob, error) {
	c.mu.RLock()
	cached, ok := c.cache[buildNum]
	c.mu.RUnlock()
	if ok {
		return cached.job, cached.err
	}

	v, err, _ := c.group.Do(strconv.Itoa(buildNum), func() (interface{}, error) {
		job, err := c.fetch(ctx, buildNum)
		if cacheable(err) {
			c.mu.Lock()
			c.cache[buildNum] = cachedJob{job: job, err: err}
			c.mu.Unlock()
		}
		return job, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*resource.CIJob), nil
}

func (c *Client) fetch(ctx context.Context, buildNum int) (*resource.CIJob, error) {
	endpoint := fmt.Sprintf("%s/project/%s/%s/%s/%d",
		c.cfg.BaseURL,
		url.PathEscape(c.cfg.VCS),
		url.PathEscape(c.cfg.Owner),
		url.PathEscape(c.cfg.Repo),
		buildNum,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Circle-Token", c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get build %d: %w", buildNum, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{BuildNum: buildNum, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var b build
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return nil, fmt.Errorf("decode build %d: %w", buildNum, err)
	}
	return b.toJob(), nil
}

func (b build) toJob() *resource.CIJob {
	job := &resource.CIJob{
		BuildURL:           b.BuildURL,
		Branch:             b.Branch,
		BuildNum:           b.BuildNum,
		Outcome:            b.Outcome,
		Canceled:           b.Canceled,
		InfrastructureFail: b.InfrastructureFail,
		Status:             b.Status,
		Lifecycle:          b.Lifecycle,
		CommitterName:      b.CommitterName,
	}
	if b.Workflows != nil {
		job.WorkflowID = b.Workflows.WorkflowID
		job.WorkflowName = b.Workflows.WorkflowName
	}
	return job
}
