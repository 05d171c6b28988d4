package aws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/amplify"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/e2esweep/internal/correlate"
	"github.com/yairfalse/e2esweep/pkg/resource"
)

// scannedStackStatuses are the settled states a leftover root stack can be in.
var scannedStackStatuses = []cfntypes.StackStatus{
	cfntypes.StackStatusCreateComplete,
	cfntypes.StackStatusRollbackFailed,
	cfntypes.StackStatusDeleteFailed,
	cfntypes.StackStatusUpdateComplete,
	cfntypes.StackStatusUpdateRollbackFailed,
	cfntypes.StackStatusUpdateRollbackComplete,
	cfntypes.StackStatusImportComplete,
	cfntypes.StackStatusImportRollbackFailed,
	cfntypes.StackStatusImportRollbackComplete,
}

// errNoSuchBucket is returned by bucket lookups for a bucket deleted since listing.
var errNoSuchBucket = errors.New("bucket no longer exists")

// ScanAmplifyApps lists platform apps in every region with the stacks behind
// their backend environments.
func (p *Plugin) ScanAmplifyApps(ctx context.Context) ([]resource.AmplifyApp, error) {
	return forEachRegion(ctx, p, "amplify apps", p.scanAmplifyAppsInRegion)
}

func (p *Plugin) scanAmplifyAppsInRegion(ctx context.Context, region string) ([]resource.AmplifyApp, error) {
	clients := p.clients(region)
	var apps []resource.AmplifyApp

	var nextToken *string
	for {
		out, err := clients.Amplify.ListApps(ctx, &amplify.ListAppsInput{NextToken: nextToken})
		if err != nil {
			return nil, classify("list amplify apps", err)
		}

		for _, a := range out.Apps {
			appID := aws.ToString(a.AppId)
			backends, err := p.amplifyBackends(ctx, clients, appID, region)
			if err != nil {
				if IsFatal(err) {
					return nil, err
				}
				// Without its backends the app would look orphaned.
				p.logger.Warn().Err(err).Str("app", appID).Str("region", region).Msg("skipping amplify app")
				continue
			}
			apps = append(apps, resource.AmplifyApp{
				AppID:    appID,
				Name:     aws.ToString(a.Name),
				Region:   region,
				Backends: backends,
			})
		}

		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}
	return apps, nil
}

func (p *Plugin) amplifyBackends(ctx context.Context, clients Clients, appID, region string) (map[string]resource.Stack, error) {
	backends := map[string]resource.Stack{}

	var nextToken *string
	for {
		out, err := clients.Amplify.ListBackendEnvironments(ctx, &amplify.ListBackendEnvironmentsInput{
			AppId:     aws.String(appID),
			NextToken: nextToken,
		})
		if err != nil {
			return nil, classify("list backend environments", err)
		}

		for _, env := range out.BackendEnvironments {
			stackName := aws.ToString(env.StackName)
			if stackName == "" {
				continue
			}
			stack, err := p.stackDetails(ctx, clients.CloudFormation, stackName, region)
			if isStackGone(err) {
				p.logger.Debug().Str("app", appID).Str("stack", stackName).Msg("backend stack already deleted")
				continue
			}
			if err != nil {
				return nil, err
			}
			backends[aws.ToString(env.EnvironmentName)] = stack
		}

		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}
	return backends, nil
}

// ScanStacks lists root stacks in every region.
func (p *Plugin) ScanStacks(ctx context.Context) ([]resource.Stack, error) {
	return forEachRegion(ctx, p, "stacks", p.scanStacksInRegion)
}

func (p *Plugin) scanStacksInRegion(ctx context.Context, region string) ([]resource.Stack, error) {
	cfn := p.clients(region).CloudFormation
	var stacks []resource.Stack

	paginator := cloudformation.NewListStacksPaginator(cfn, &cloudformation.ListStacksInput{
		StackStatusFilter: scannedStackStatuses,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("list stacks", err)
		}

		for _, summary := range page.StackSummaries {
			// Nested stacks go away with their root.
			if summary.RootId != nil {
				continue
			}
			name := aws.ToString(summary.StackName)
			stack, err := p.stackDetails(ctx, cfn, name, region)
			if err != nil {
				if IsFatal(err) {
					return nil, err
				}
				p.logger.Warn().Err(err).Str("stack", name).Str("region", region).Msg("skipping stack")
				continue
			}
			stacks = append(stacks, stack)
		}
	}
	return stacks, nil
}

// stackDetails describes one stack. For a stack whose deletion failed it
// also records the logical ids of the resources that blocked it.
func (p *Plugin) stackDetails(ctx context.Context, cfn CloudFormationAPI, name, region string) (resource.Stack, error) {
	out, err := cfn.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(name)})
	if err != nil {
		return resource.Stack{}, classify(fmt.Sprintf("describe stack %s", name), err)
	}
	if len(out.Stacks) == 0 {
		return resource.Stack{}, fmt.Errorf("describe stack %s: not found", name)
	}
	s := out.Stacks[0]

	tags := make(map[string]string, len(s.Tags))
	for _, t := range s.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}

	stack := resource.Stack{
		Name:      name,
		Status:    string(s.StackStatus),
		Region:    region,
		CreatedAt: aws.ToTime(s.CreationTime),
		Tags:      tags,
		BuildID:   correlate.BuildID(tags),
	}

	if s.StackStatus == cfntypes.StackStatusDeleteFailed {
		failed, err := failedStackResources(ctx, cfn, name)
		if err != nil {
			return resource.Stack{}, err
		}
		stack.ResourcesFailedToDelete = failed
	}
	return stack, nil
}

func failedStackResources(ctx context.Context, cfn CloudFormationAPI, name string) ([]string, error) {
	var failed []string

	paginator := cloudformation.NewListStackResourcesPaginator(cfn, &cloudformation.ListStackResourcesInput{
		StackName: aws.String(name),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(fmt.Sprintf("list resources of stack %s", name), err)
		}
		for _, r := range page.StackResourceSummaries {
			if r.ResourceStatus == cfntypes.ResourceStatusDeleteFailed {
				failed = append(failed, aws.ToString(r.LogicalResourceId))
			}
		}
	}
	return failed, nil
}

// ScanBuckets lists every bucket with the job id from its tags. Buckets
// without the tag have no job id.
func (p *Plugin) ScanBuckets(ctx context.Context) ([]resource.Bucket, error) {
	listed, err := p.listBuckets(ctx)
	if err != nil {
		return nil, err
	}

	details := make([]*resource.Bucket, len(listed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit)
	for i, b := range listed {
		g.Go(func() error {
			bucket, err := p.bucketDetails(gctx, b)
			if err != nil {
				if IsFatal(err) {
					return err
				}
				p.logger.Warn().Err(err).Str("bucket", b.Name).Msg("skipping bucket")
				return nil
			}
			details[i] = &bucket
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var buckets []resource.Bucket
	for _, b := range details {
		if b != nil {
			buckets = append(buckets, *b)
		}
	}
	return buckets, nil
}

func (p *Plugin) bucketDetails(ctx context.Context, b resource.Bucket) (resource.Bucket, error) {
	region, err := p.bucketRegion(ctx, b.Name)
	if err != nil {
		return resource.Bucket{}, err
	}
	b.Region = region

	out, err := p.clients(region).S3.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{Bucket: aws.String(b.Name)})
	if err != nil {
		switch errorCode(err) {
		case "NoSuchTagSet", "NoSuchBucket":
			return b, nil
		}
		return resource.Bucket{}, classify("get bucket tagging", err)
	}

	tags := make(map[string]string, len(out.TagSet))
	for _, t := range out.TagSet {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	b.BuildID = correlate.BuildID(tags)
	return b, nil
}

// bucketRegion resolves where a bucket lives. An empty location constraint
// means us-east-1 and the legacy "EU" constraint means eu-west-1.
func (p *Plugin) bucketRegion(ctx context.Context, name string) (string, error) {
	out, err := p.clients(GlobalRegion).S3.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: aws.String(name)})
	if err != nil {
		if errorCode(err) == "NoSuchBucket" {
			return "", fmt.Errorf("get bucket location: %w", errNoSuchBucket)
		}
		return "", classify("get bucket location", err)
	}

	switch out.LocationConstraint {
	case "":
		return "us-east-1", nil
	case s3types.BucketLocationConstraintEu:
		return "eu-west-1", nil
	default:
		return string(out.LocationConstraint), nil
	}
}

func (p *Plugin) listBuckets(ctx context.Context) ([]resource.Bucket, error) {
	out, err := p.clients(GlobalRegion).S3.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, classify("list buckets", err)
	}

	buckets := make([]resource.Bucket, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		buckets = append(buckets, resource.Bucket{
			Name:      aws.ToString(b.Name),
			CreatedAt: aws.ToTime(b.CreationDate),
		})
	}
	return buckets, nil
}

// ScanStaleBuckets returns test buckets older than the staleness threshold.
func (p *Plugin) ScanStaleBuckets(ctx context.Context) ([]resource.Bucket, error) {
	listed, err := p.listBuckets(ctx)
	if err != nil {
		return nil, err
	}

	var stale []resource.Bucket
	for _, b := range listed {
		if !p.stale.Bucket(b.Name, b.CreatedAt) {
			continue
		}
		region, err := p.bucketRegion(ctx, b.Name)
		if err != nil {
			if IsFatal(err) {
				return nil, err
			}
			p.logger.Warn().Err(err).Str("bucket", b.Name).Msg("skipping stale bucket")
			continue
		}
		b.Region = region
		stale = append(stale, b)
	}
	return stale, nil
}

// ScanStaleRoles returns test roles older than the staleness threshold.
func (p *Plugin) ScanStaleRoles(ctx context.Context) ([]resource.Role, error) {
	var roles []resource.Role

	paginator := iam.NewListRolesPaginator(p.clients(GlobalRegion).IAM, &iam.ListRolesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("list roles", err)
		}
		for _, r := range page.Roles {
			name := aws.ToString(r.RoleName)
			created := aws.ToTime(r.CreateDate)
			if p.stale.Role(name, created) {
				roles = append(roles, resource.Role{Name: name, CreatedAt: created})
			}
		}
	}
	return roles, nil
}

// ScanStalePinpointApps returns test analytics apps older than the
// staleness threshold in every region.
func (p *Plugin) ScanStalePinpointApps(ctx context.Context) ([]resource.PinpointApp, error) {
	return forEachRegion(ctx, p, "pinpoint apps", p.scanPinpointAppsInRegion)
}

func (p *Plugin) scanPinpointAppsInRegion(ctx context.Context, region string) ([]resource.PinpointApp, error) {
	client := p.clients(region).Pinpoint
	var apps []resource.PinpointApp

	var token *string
	for {
		out, err := client.GetApps(ctx, &pinpoint.GetAppsInput{Token: token})
		if err != nil {
			return nil, classify("get pinpoint apps", err)
		}
		if out.ApplicationsResponse == nil {
			break
		}

		for _, a := range out.ApplicationsResponse.Item {
			name := aws.ToString(a.Name)
			created := parseCreationDate(aws.ToString(a.CreationDate))
			if !p.stale.PinpointApp(name, created) {
				continue
			}
			apps = append(apps, resource.PinpointApp{
				ID:        aws.ToString(a.Id),
				Name:      name,
				ARN:       aws.ToString(a.Arn),
				Region:    region,
				CreatedAt: created,
			})
		}

		token = out.ApplicationsResponse.NextToken
		if aws.ToString(token) == "" {
			break
		}
	}
	return apps, nil
}

// parseCreationDate parses Pinpoint's ISO 8601 timestamps. An unparseable
// date yields the zero time, which is never stale.
func parseCreationDate(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
