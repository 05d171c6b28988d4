// Package filter decides which resources are stale and which job groups a
// run is allowed to delete.
package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/yairfalse/e2esweep/pkg/resource"
)

// LifecycleFinished is the CI lifecycle of a job that will not create
// anything else.
const LifecycleFinished = "finished"

// TokenRotationRole is the long-lived role CI uses to rotate its own
// credentials. It matches the test-role naming convention but must survive.
const TokenRotationRole = "RotateE2eAwsToken-e2eTestContextRole"

var (
	bucketTestPattern   = regexp.MustCompile(`test`)
	roleTestPattern     = regexp.MustCompile(`-integtest$|^amplify-|^eu-|^us-|^ap-`)
	pinpointTestPattern = regexp.MustCompile(`integtest`)
)

// Staleness holds the age threshold and the clock staleness is measured
// against.
type Staleness struct {
	Threshold time.Duration
	Now       func() time.Time
}

// NewStaleness returns a Staleness measured against the wall clock.
func NewStaleness(threshold time.Duration) Staleness {
	return Staleness{Threshold: threshold, Now: time.Now}
}

// Old reports whether created lies strictly more than Threshold in the past.
func (s Staleness) Old(created time.Time) bool {
	if created.IsZero() {
		return false
	}
	return s.Now().Sub(created) > s.Threshold
}

// Bucket reports whether a bucket is a stale test bucket.
func (s Staleness) Bucket(name string, created time.Time) bool {
	return bucketTestPattern.MatchString(name) && s.Old(created)
}

// Role reports whether an IAM role is a stale test role.
func (s Staleness) Role(name string, created time.Time) bool {
	if name == TokenRotationRole {
		return false
	}
	return roleTestPattern.MatchString(name) && s.Old(created)
}

// PinpointApp reports whether an analytics app is a stale test app.
func (s Staleness) PinpointApp(name string, created time.Time) bool {
	return pinpointTestPattern.MatchString(name) && s.Old(created)
}

// ErrInvalidJobID is returned for a job scope that is not a positive integer.
var ErrInvalidJobID = errors.New("job-id should be integer")

type scopeKind int

const (
	scopeAll scopeKind = iota
	scopeWorkflow
	scopeJob
)

// Scope selects the job groups a run deletes. Exactly one scope is active.
type Scope struct {
	kind       scopeKind
	workflowID string
	jobKey     resource.JobKey
}

// All selects groups whose job finished, plus orphans.
func All() Scope {
	return Scope{kind: scopeAll}
}

// Workflow selects groups created by one CI workflow.
func Workflow(id string) Scope {
	return Scope{kind: scopeWorkflow, workflowID: id}
}

// Job selects the group of one CI job.
func Job(id int) Scope {
	return Scope{kind: scopeJob, jobKey: resource.JobKeyFor(id)}
}

// ParseJobScope validates a job id argument.
func ParseJobScope(arg string) (Scope, error) {
	id, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || id < 1 {
		return Scope{}, fmt.Errorf("%w: %q", ErrInvalidJobID, arg)
	}
	return Job(id), nil
}

// Match reports whether the scope keeps g.
func (s Scope) Match(g *resource.JobGroup) bool {
	switch s.kind {
	case scopeWorkflow:
		return g.WorkflowID != "" && g.WorkflowID == s.workflowID
	case scopeJob:
		return g.Key == s.jobKey
	default:
		return g.Lifecycle == LifecycleFinished || g.Key == resource.Orphan
	}
}

// Select returns the groups the scope keeps.
func (s Scope) Select(groups resource.Groups) resource.Groups {
	selected := resource.Groups{}
	for k, g := range groups {
		if s.Match(g) {
			selected[k] = g
		}
	}
	return selected
}

func (s Scope) String() string {
	switch s.kind {
	case scopeWorkflow:
		return "workflow " + s.workflowID
	case scopeJob:
		return "job " + s.jobKey.String()
	default:
		return "all"
	}
}
