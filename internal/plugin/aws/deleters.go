package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/amplify"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/yairfalse/e2esweep/pkg/resource"
)

// objectVersionPageSize is the most keys DeleteObjects accepts per call.
const objectVersionPageSize = 1000

// goneCodes are error codes meaning the resource was already deleted.
var goneCodes = map[string]bool{
	"NotFoundException": true,
	"NoSuchEntity":      true,
	"NoSuchBucket":      true,
}

func isGone(err error) bool {
	return goneCodes[errorCode(err)]
}

// DeleteAmplifyApp deletes a platform app.
func (p *Plugin) DeleteAmplifyApp(ctx context.Context, app resource.AmplifyApp) error {
	_, err := p.clients(app.Region).Amplify.DeleteApp(ctx, &amplify.DeleteAppInput{AppId: aws.String(app.AppID)})
	if err != nil && !isGone(err) {
		return classify(fmt.Sprintf("delete amplify app %s", app.AppID), err)
	}
	return nil
}

// DeleteStack deletes a stack, retaining the resources that blocked an
// earlier deletion, and waits for it to finish.
func (p *Plugin) DeleteStack(ctx context.Context, stack resource.Stack) error {
	cfn := p.clients(stack.Region).CloudFormation

	input := &cloudformation.DeleteStackInput{StackName: aws.String(stack.Name)}
	if len(stack.ResourcesFailedToDelete) > 0 {
		input.RetainResources = stack.ResourcesFailedToDelete
	}
	if _, err := cfn.DeleteStack(ctx, input); err != nil {
		return classify(fmt.Sprintf("delete stack %s", stack.Name), err)
	}

	wait := p.stackWait.withDefaults()
	waiter := cloudformation.NewStackDeleteCompleteWaiter(cfn, func(o *cloudformation.StackDeleteCompleteWaiterOptions) {
		o.MinDelay = wait.PollInterval
		o.MaxDelay = wait.PollInterval
	})
	err := waiter.Wait(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(stack.Name)}, wait.MaxWait())
	if err != nil {
		return classify(fmt.Sprintf("wait for stack %s deletion (up to %s)", stack.Name, wait.MaxWait()), err)
	}
	return nil
}

// DeleteBucket removes every object version and delete marker, then the
// bucket itself.
func (p *Plugin) DeleteBucket(ctx context.Context, bucket resource.Bucket) error {
	region := bucket.Region
	if region == "" {
		var err error
		if region, err = p.bucketRegion(ctx, bucket.Name); err != nil {
			if errors.Is(err, errNoSuchBucket) {
				return nil
			}
			return err
		}
	}
	client := p.clients(region).S3

	if err := emptyBucket(ctx, client, bucket.Name); err != nil {
		return err
	}

	_, err := client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket.Name)})
	if err != nil && !isGone(err) {
		return classify(fmt.Sprintf("delete bucket %s", bucket.Name), err)
	}
	return nil
}

func emptyBucket(ctx context.Context, client S3API, name string) error {
	input := &s3.ListObjectVersionsInput{
		Bucket:  aws.String(name),
		MaxKeys: aws.Int32(objectVersionPageSize),
	}
	for {
		page, err := client.ListObjectVersions(ctx, input)
		if err != nil {
			if isGone(err) {
				return nil
			}
			return classify(fmt.Sprintf("list object versions of %s", name), err)
		}

		objects := make([]s3types.ObjectIdentifier, 0, len(page.Versions)+len(page.DeleteMarkers))
		for _, v := range page.Versions {
			objects = append(objects, s3types.ObjectIdentifier{Key: v.Key, VersionId: v.VersionId})
		}
		for _, m := range page.DeleteMarkers {
			objects = append(objects, s3types.ObjectIdentifier{Key: m.Key, VersionId: m.VersionId})
		}

		if len(objects) > 0 {
			out, err := client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(name),
				Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return classify(fmt.Sprintf("delete objects of %s", name), err)
			}
			if len(out.Errors) > 0 {
				first := out.Errors[0]
				return fmt.Errorf("delete objects of %s: %d failed, first %s: %s",
					name, len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
			}
		}

		if !aws.ToBool(page.IsTruncated) {
			return nil
		}
		input.KeyMarker = page.NextKeyMarker
		input.VersionIdMarker = page.NextVersionIdMarker
	}
}

// DeleteRole detaches managed policies, deletes inline policies and then
// deletes the role. Every step runs even if an earlier one failed; an
// expired-credential error stops at once.
func (p *Plugin) DeleteRole(ctx context.Context, role resource.Role) error {
	client := p.clients(GlobalRegion).IAM

	var errs []error
	for _, step := range []func(context.Context, IAMAPI, string) error{
		detachRolePolicies,
		deleteInlineRolePolicies,
		deleteRole,
	} {
		if err := step(ctx, client, role.Name); err != nil {
			if IsFatal(err) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func detachRolePolicies(ctx context.Context, client IAMAPI, name string) error {
	var errs []error

	paginator := iam.NewListAttachedRolePoliciesPaginator(client, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(name)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			if isGone(err) {
				return nil
			}
			return classify(fmt.Sprintf("list attached policies of role %s", name), err)
		}
		for _, policy := range page.AttachedPolicies {
			_, err := client.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
				RoleName:  aws.String(name),
				PolicyArn: policy.PolicyArn,
			})
			if err != nil && !isGone(err) {
				err = classify(fmt.Sprintf("detach policy %s from role %s", aws.ToString(policy.PolicyArn), name), err)
				if IsFatal(err) {
					return err
				}
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func deleteInlineRolePolicies(ctx context.Context, client IAMAPI, name string) error {
	var errs []error

	paginator := iam.NewListRolePoliciesPaginator(client, &iam.ListRolePoliciesInput{RoleName: aws.String(name)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			if isGone(err) {
				return nil
			}
			return classify(fmt.Sprintf("list inline policies of role %s", name), err)
		}
		for _, policy := range page.PolicyNames {
			_, err := client.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
				RoleName:   aws.String(name),
				PolicyName: aws.String(policy),
			})
			if err != nil && !isGone(err) {
				err = classify(fmt.Sprintf("delete inline policy %s of role %s", policy, name), err)
				if IsFatal(err) {
					return err
				}
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func deleteRole(ctx context.Context, client IAMAPI, name string) error {
	_, err := client.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(name)})
	if err != nil && !isGone(err) {
		return classify(fmt.Sprintf("delete role %s", name), err)
	}
	return nil
}

// DeletePinpointApp deletes an analytics app.
func (p *Plugin) DeletePinpointApp(ctx context.Context, app resource.PinpointApp) error {
	_, err := p.clients(app.Region).Pinpoint.DeleteApp(ctx, &pinpoint.DeleteAppInput{ApplicationId: aws.String(app.ID)})
	if err != nil && !isGone(err) {
		return classify(fmt.Sprintf("delete pinpoint app %s", app.ID), err)
	}
	return nil
}
