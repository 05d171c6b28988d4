package resource

import (
	"fmt"
	"sort"
	"strconv"
)

type keyKind uint8

const (
	keyNumeric keyKind = iota
	keyOrphan
	keyUnknown
	keyMultiJob
)

// JobKey identifies a job group: either a numeric CI job id or one of the
// sentinel classifications Orphan, MultiJob and Unknown.
type JobKey struct {
	kind keyKind
	id   int
}

// Sentinel keys.
var (
	Orphan   = JobKey{kind: keyOrphan}
	MultiJob = JobKey{kind: keyMultiJob}
	Unknown  = JobKey{kind: keyUnknown}
)

const (
	orphanText   = "<orphan>"
	multiJobText = "<multi-job>"
	unknownText  = "<unknown>"
)

// JobKeyFor returns the key of a numeric job id. Ids below 1 map to Unknown.
func JobKeyFor(id int) JobKey {
	if id < 1 {
		return Unknown
	}
	return JobKey{kind: keyNumeric, id: id}
}

// JobID returns the numeric id and whether the key is numeric.
func (k JobKey) JobID() (int, bool) {
	return k.id, k.kind == keyNumeric
}

func (k JobKey) String() string {
	switch k.kind {
	case keyOrphan:
		return orphanText
	case keyMultiJob:
		return multiJobText
	case keyUnknown:
		return unknownText
	default:
		return strconv.Itoa(k.id)
	}
}

// MarshalText lets JobKey key JSON maps.
func (k JobKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the form produced by MarshalText.
func (k *JobKey) UnmarshalText(b []byte) error {
	switch s := string(b); s {
	case orphanText:
		*k = Orphan
	case multiJobText:
		*k = MultiJob
	case unknownText:
		*k = Unknown
	default:
		id, err := strconv.Atoi(s)
		if err != nil || id < 1 {
			return fmt.Errorf("invalid job key %q", s)
		}
		*k = JobKeyFor(id)
	}
	return nil
}

// less orders numeric keys ascending, then orphan, unknown, multi-job.
func (k JobKey) less(o JobKey) bool {
	if k.kind != o.kind {
		return k.kind < o.kind
	}
	return k.id < o.id
}

// JobGroup is the set of resources attributed to one job key.
type JobGroup struct {
	Key          JobKey        `json:"job_id"`
	WorkflowID   string        `json:"workflow_id,omitempty"`
	WorkflowName string        `json:"workflow_name,omitempty"`
	Lifecycle    string        `json:"lifecycle,omitempty"`
	Status       string        `json:"status,omitempty"`
	CI           *CIJob        `json:"cci_job_details,omitempty"`
	AmplifyApps  []AmplifyApp  `json:"amplify_apps,omitempty"`
	Stacks       []Stack       `json:"stacks,omitempty"`
	Buckets      []Bucket      `json:"buckets,omitempty"`
	Roles        []Role        `json:"roles,omitempty"`
	PinpointApps []PinpointApp `json:"pinpoint_apps,omitempty"`
}

// SetCI adopts job metadata unless the group already carries some.
func (g *JobGroup) SetCI(ci *CIJob) {
	if ci == nil || g.CI != nil {
		return
	}
	g.CI = ci
	g.WorkflowID = ci.WorkflowID
	g.WorkflowName = ci.WorkflowName
	g.Lifecycle = ci.Lifecycle
	g.Status = ci.Status
}

// Merge appends other's resources to g. Resources already in g are kept,
// and CI metadata is only taken from other when g has none.
func (g *JobGroup) Merge(other JobGroup) {
	g.SetCI(other.CI)
	g.AmplifyApps = append(g.AmplifyApps, other.AmplifyApps...)
	g.Stacks = append(g.Stacks, other.Stacks...)
	g.Buckets = append(g.Buckets, other.Buckets...)
	g.Roles = append(g.Roles, other.Roles...)
	g.PinpointApps = append(g.PinpointApps, other.PinpointApps...)
}

// Len returns the number of resources in the group.
func (g *JobGroup) Len() int {
	return len(g.AmplifyApps) + len(g.Stacks) + len(g.Buckets) + len(g.Roles) + len(g.PinpointApps)
}

// CountByKind returns resource counts per kind.
func (g *JobGroup) CountByKind() map[Kind]int {
	return map[Kind]int{
		KindAmplifyApp:  len(g.AmplifyApps),
		KindStack:       len(g.Stacks),
		KindBucket:      len(g.Buckets),
		KindRole:        len(g.Roles),
		KindPinpointApp: len(g.PinpointApps),
	}
}

// Groups maps job keys to their groups.
type Groups map[JobKey]*JobGroup

// Add merges g into the group with the same key, creating it if needed.
func (gs Groups) Add(g JobGroup) {
	existing, ok := gs[g.Key]
	if !ok {
		existing = &JobGroup{Key: g.Key}
		gs[g.Key] = existing
	}
	existing.Merge(g)
}

// Merge adds every group of other into gs.
func (gs Groups) Merge(other Groups) {
	for _, k := range other.Keys() {
		gs.Add(*other[k])
	}
}

// Keys returns the keys in a stable order.
func (gs Groups) Keys() []JobKey {
	keys := make([]JobKey, 0, len(gs))
	for k := range gs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return keys
}

// Len returns the number of resources across all groups.
func (gs Groups) Len() int {
	n := 0
	for _, g := range gs {
		n += g.Len()
	}
	return n
}
