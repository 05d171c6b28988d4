// Package resource defines the record types e2esweep scans, groups and deletes.
package resource

import "time"

// Kind identifies a resource kind.
type Kind string

const (
	KindAmplifyApp  Kind = "amplify_app"
	KindStack       Kind = "stack"
	KindBucket      Kind = "bucket"
	KindRole        Kind = "role"
	KindPinpointApp Kind = "pinpoint_app"
)

// Kinds lists every kind in deletion order.
var Kinds = []Kind{KindAmplifyApp, KindStack, KindBucket, KindRole, KindPinpointApp}

// Credentials are temporary credentials scoped to one AWS account.
type Credentials struct {
	AccessKeyID     string `json:"-"`
	SecretAccessKey string `json:"-"`
	SessionToken    string `json:"-"`
}

// Account is one account to sweep. Logs carry Index, never ID.
type Account struct {
	Index       int
	ID          string
	Credentials Credentials
}

// CIJob holds the CI metadata of the job that created a resource.
type CIJob struct {
	BuildURL           string `json:"build_url"`
	Branch             string `json:"branch"`
	BuildNum           int    `json:"build_num"`
	Outcome            string `json:"outcome"`
	Canceled           bool   `json:"canceled"`
	InfrastructureFail bool   `json:"infrastructure_fail"`
	Status             string `json:"status"`
	Lifecycle          string `json:"lifecycle"`
	CommitterName      string `json:"committer_name,omitempty"`
	WorkflowID         string `json:"workflow_id,omitempty"`
	WorkflowName       string `json:"workflow_name,omitempty"`
}

// Stack is a root CloudFormation stack.
type Stack struct {
	Name      string            `json:"stack_name"`
	Status    string            `json:"stack_status"`
	Region    string            `json:"region"`
	CreatedAt time.Time         `json:"create_time"`
	Tags      map[string]string `json:"tags"`
	// ResourcesFailedToDelete holds logical ids to retain on the next delete.
	ResourcesFailedToDelete []string `json:"resources_failed_to_delete,omitempty"`
	BuildID                 int      `json:"build_id,omitempty"`
	CI                      *CIJob   `json:"cci_info,omitempty"`
}

// Bucket is an S3 bucket.
type Bucket struct {
	Name      string    `json:"name"`
	Region    string    `json:"region"`
	CreatedAt time.Time `json:"create_time"`
	BuildID   int       `json:"build_id,omitempty"`
	CI        *CIJob    `json:"cci_info,omitempty"`
}

// Role is an IAM role.
type Role struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"create_time"`
}

// PinpointApp is an analytics application.
type PinpointApp struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ARN       string    `json:"arn"`
	Region    string    `json:"region"`
	CreatedAt time.Time `json:"create_time"`
}

// AmplifyApp is a platform app and the stacks behind its backend environments.
type AmplifyApp struct {
	AppID    string           `json:"app_id"`
	Name     string           `json:"name"`
	Region   string           `json:"region"`
	Backends map[string]Stack `json:"backends"`
}

// Inventory is everything scanned in one account, before correlation.
type Inventory struct {
	AmplifyApps       []AmplifyApp
	Stacks            []Stack
	Buckets           []Bucket
	StaleBuckets      []Bucket
	StaleRoles        []Role
	StalePinpointApps []PinpointApp
}

// Count returns the number of scanned records.
func (inv Inventory) Count() int {
	return len(inv.AmplifyApps) + len(inv.Stacks) + len(inv.Buckets) +
		len(inv.StaleBuckets) + len(inv.StaleRoles) + len(inv.StalePinpointApps)
}

// SweepResult is what one account produced, handed to emitters.
type SweepResult struct {
	AccountIndex int
	Groups       Groups
	Scanned      int
	Duration     time.Duration
	Error        error
}
