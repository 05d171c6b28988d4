package aws

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/amplify"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/yairfalse/e2esweep/internal/filter"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

// calls records the order of mutating calls across mocks.
type calls struct {
	mu  sync.Mutex
	ops []string
}

func (c *calls) add(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, op)
}

func (c *calls) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

func newTestPlugin(c Clients, regions ...string) *Plugin {
	return New(Config{
		Regions:           regions,
		Staleness:         filter.Staleness{Threshold: 2 * time.Hour, Now: func() time.Time { return testNow }},
		RegionConcurrency: 2,
		StackWait:         StackWait{MaxAttempts: 5, PollInterval: 10 * time.Millisecond},
		Clients:           func(string) Clients { return c },
	})
}

type mockCloudFormationClient struct {
	ListStacksFunc         func(ctx context.Context, params *cloudformation.ListStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ListStacksOutput, error)
	DescribeStacksFunc     func(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	ListStackResourcesFunc func(ctx context.Context, params *cloudformation.ListStackResourcesInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ListStackResourcesOutput, error)
	DeleteStackFunc        func(ctx context.Context, params *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)
}

func (m *mockCloudFormationClient) ListStacks(ctx context.Context, params *cloudformation.ListStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ListStacksOutput, error) {
	if m.ListStacksFunc == nil {
		return &cloudformation.ListStacksOutput{}, nil
	}
	return m.ListStacksFunc(ctx, params, optFns...)
}

func (m *mockCloudFormationClient) DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	return m.DescribeStacksFunc(ctx, params, optFns...)
}

func (m *mockCloudFormationClient) ListStackResources(ctx context.Context, params *cloudformation.ListStackResourcesInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ListStackResourcesOutput, error) {
	return m.ListStackResourcesFunc(ctx, params, optFns...)
}

func (m *mockCloudFormationClient) DeleteStack(ctx context.Context, params *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error) {
	return m.DeleteStackFunc(ctx, params, optFns...)
}

type mockAmplifyClient struct {
	ListAppsFunc                func(ctx context.Context, params *amplify.ListAppsInput, optFns ...func(*amplify.Options)) (*amplify.ListAppsOutput, error)
	ListBackendEnvironmentsFunc func(ctx context.Context, params *amplify.ListBackendEnvironmentsInput, optFns ...func(*amplify.Options)) (*amplify.ListBackendEnvironmentsOutput, error)
	DeleteAppFunc               func(ctx context.Context, params *amplify.DeleteAppInput, optFns ...func(*amplify.Options)) (*amplify.DeleteAppOutput, error)
}

func (m *mockAmplifyClient) ListApps(ctx context.Context, params *amplify.ListAppsInput, optFns ...func(*amplify.Options)) (*amplify.ListAppsOutput, error) {
	if m.ListAppsFunc == nil {
		return &amplify.ListAppsOutput{}, nil
	}
	return m.ListAppsFunc(ctx, params, optFns...)
}

func (m *mockAmplifyClient) ListBackendEnvironments(ctx context.Context, params *amplify.ListBackendEnvironmentsInput, optFns ...func(*amplify.Options)) (*amplify.ListBackendEnvironmentsOutput, error) {
	return m.ListBackendEnvironmentsFunc(ctx, params, optFns...)
}

func (m *mockAmplifyClient) DeleteApp(ctx context.Context, params *amplify.DeleteAppInput, optFns ...func(*amplify.Options)) (*amplify.DeleteAppOutput, error) {
	return m.DeleteAppFunc(ctx, params, optFns...)
}

type mockS3Client struct {
	ListBucketsFunc        func(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	GetBucketLocationFunc  func(ctx context.Context, params *s3.GetBucketLocationInput, optFns ...func(*s3.Options)) (*s3.GetBucketLocationOutput, error)
	GetBucketTaggingFunc   func(ctx context.Context, params *s3.GetBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error)
	ListObjectVersionsFunc func(ctx context.Context, params *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error)
	DeleteObjectsFunc      func(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	DeleteBucketFunc       func(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
}

func (m *mockS3Client) ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	if m.ListBucketsFunc == nil {
		return &s3.ListBucketsOutput{}, nil
	}
	return m.ListBucketsFunc(ctx, params, optFns...)
}

func (m *mockS3Client) GetBucketLocation(ctx context.Context, params *s3.GetBucketLocationInput, optFns ...func(*s3.Options)) (*s3.GetBucketLocationOutput, error) {
	if m.GetBucketLocationFunc == nil {
		return &s3.GetBucketLocationOutput{}, nil
	}
	return m.GetBucketLocationFunc(ctx, params, optFns...)
}

func (m *mockS3Client) GetBucketTagging(ctx context.Context, params *s3.GetBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error) {
	if m.GetBucketTaggingFunc == nil {
		return nil, apiError("NoSuchTagSet")
	}
	return m.GetBucketTaggingFunc(ctx, params, optFns...)
}

func (m *mockS3Client) ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error) {
	return m.ListObjectVersionsFunc(ctx, params, optFns...)
}

func (m *mockS3Client) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	return m.DeleteObjectsFunc(ctx, params, optFns...)
}

func (m *mockS3Client) DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error) {
	return m.DeleteBucketFunc(ctx, params, optFns...)
}

type mockIAMClient struct {
	ListRolesFunc                func(ctx context.Context, params *iam.ListRolesInput, optFns ...func(*iam.Options)) (*iam.ListRolesOutput, error)
	ListAttachedRolePoliciesFunc func(ctx context.Context, params *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error)
	DetachRolePolicyFunc         func(ctx context.Context, params *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
	ListRolePoliciesFunc         func(ctx context.Context, params *iam.ListRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListRolePoliciesOutput, error)
	DeleteRolePolicyFunc         func(ctx context.Context, params *iam.DeleteRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error)
	DeleteRoleFunc               func(ctx context.Context, params *iam.DeleteRoleInput, optFns ...func(*iam.Options)) (*iam.DeleteRoleOutput, error)
}

func (m *mockIAMClient) ListRoles(ctx context.Context, params *iam.ListRolesInput, optFns ...func(*iam.Options)) (*iam.ListRolesOutput, error) {
	if m.ListRolesFunc == nil {
		return &iam.ListRolesOutput{}, nil
	}
	return m.ListRolesFunc(ctx, params, optFns...)
}

func (m *mockIAMClient) ListAttachedRolePolicies(ctx context.Context, params *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	return m.ListAttachedRolePoliciesFunc(ctx, params, optFns...)
}

func (m *mockIAMClient) DetachRolePolicy(ctx context.Context, params *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error) {
	return m.DetachRolePolicyFunc(ctx, params, optFns...)
}

func (m *mockIAMClient) ListRolePolicies(ctx context.Context, params *iam.ListRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListRolePoliciesOutput, error) {
	return m.ListRolePoliciesFunc(ctx, params, optFns...)
}

func (m *mockIAMClient) DeleteRolePolicy(ctx context.Context, params *iam.DeleteRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error) {
	return m.DeleteRolePolicyFunc(ctx, params, optFns...)
}

func (m *mockIAMClient) DeleteRole(ctx context.Context, params *iam.DeleteRoleInput, optFns ...func(*iam.Options)) (*iam.DeleteRoleOutput, error) {
	return m.DeleteRoleFunc(ctx, params, optFns...)
}

type mockPinpointClient struct {
	GetAppsFunc   func(ctx context.Context, params *pinpoint.GetAppsInput, optFns ...func(*pinpoint.Options)) (*pinpoint.GetAppsOutput, error)
	DeleteAppFunc func(ctx context.Context, params *pinpoint.DeleteAppInput, optFns ...func(*pinpoint.Options)) (*pinpoint.DeleteAppOutput, error)
}

func (m *mockPinpointClient) GetApps(ctx context.Context, params *pinpoint.GetAppsInput, optFns ...func(*pinpoint.Options)) (*pinpoint.GetAppsOutput, error) {
	if m.GetAppsFunc == nil {
		return &pinpoint.GetAppsOutput{}, nil
	}
	return m.GetAppsFunc(ctx, params, optFns...)
}

func (m *mockPinpointClient) DeleteApp(ctx context.Context, params *pinpoint.DeleteAppInput, optFns ...func(*pinpoint.Options)) (*pinpoint.DeleteAppOutput, error) {
	return m.DeleteAppFunc(ctx, params, optFns...)
}

type mockEC2Client struct {
	DescribeRegionsFunc func(ctx context.Context, params *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
}

func (m *mockEC2Client) DescribeRegions(ctx context.Context, params *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error) {
	return m.DescribeRegionsFunc(ctx, params, optFns...)
}

// emptyClients returns clients whose list calls return nothing.
func emptyClients() Clients {
	return Clients{
		CloudFormation: &mockCloudFormationClient{},
		Amplify:        &mockAmplifyClient{},
		S3:             &mockS3Client{},
		IAM:            &mockIAMClient{},
		Pinpoint:       &mockPinpointClient{},
		EC2:            &mockEC2Client{},
	}
}
