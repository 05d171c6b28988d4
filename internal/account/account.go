// Package account resolves the AWS accounts a sweep covers and the
// credentials to reach each of them.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	orgtypes "github.com/aws/aws-sdk-go-v2/service/organizations/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yairfalse/e2esweep/internal/telemetry"
	"github.com/yairfalse/e2esweep/pkg/resource"
)

// DefaultSessionDuration is how long assumed-role credentials stay valid.
const DefaultSessionDuration = time.Hour

// STSAPI defines the STS operations used by the resolver.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// OrganizationsAPI defines the Organizations operations used by the resolver.
type OrganizationsAPI interface {
	ListAccounts(ctx context.Context, params *organizations.ListAccountsInput, optFns ...func(*organizations.Options)) (*organizations.ListAccountsOutput, error)
}

// Config configures account resolution.
type Config struct {
	RoleName        string
	SessionDuration time.Duration
}

// Resolver lists the organization's accounts and assumes a role in each.
type Resolver struct {
	sts    STSAPI
	orgs   OrganizationsAPI
	creds  aws.CredentialsProvider
	cfg    Config
	logger zerolog.Logger
}

// New creates a resolver from the caller's base configuration. base.Region
// must be the organization's home region.
func New(base aws.Config, cfg Config) *Resolver {
	return NewWithClients(sts.NewFromConfig(base), organizations.NewFromConfig(base), base.Credentials, cfg)
}

// NewWithClients creates a resolver with explicit clients.
func NewWithClients(stsClient STSAPI, orgs OrganizationsAPI, creds aws.CredentialsProvider, cfg Config) *Resolver {
	if cfg.SessionDuration <= 0 {
		cfg.SessionDuration = DefaultSessionDuration
	}
	return &Resolver{
		sts:    stsClient,
		orgs:   orgs,
		creds:  creds,
		cfg:    cfg,
		logger: telemetry.NewLogger("account"),
	}
}

// Resolve returns every active account of the organization with
// credentials for it. If the organization cannot be listed, or a role
// cannot be assumed, only the caller's own account is returned.
func (r *Resolver) Resolve(ctx context.Context) ([]resource.Account, error) {
	if r.creds == nil {
		return nil, errors.New("retrieve credentials: no credentials configured")
	}
	own, err := r.creds.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieve credentials: %w", err)
	}
	ownCreds := resource.Credentials{
		AccessKeyID:     own.AccessKeyID,
		SecretAccessKey: own.SecretAccessKey,
		SessionToken:    own.SessionToken,
	}

	identity, err := r.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("get caller identity: %w", err)
	}
	ownID := aws.ToString(identity.Account)
	single := []resource.Account{{Index: 0, ID: ownID, Credentials: ownCreds}}

	ids, err := r.listAccounts(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("cannot list organization accounts, sweeping own account only")
		return single, nil
	}

	accounts := make([]resource.Account, 0, len(ids))
	for _, id := range ids {
		idx := len(accounts)
		if id == ownID {
			accounts = append(accounts, resource.Account{Index: idx, ID: id, Credentials: ownCreds})
			continue
		}
		creds, err := r.assumeRole(ctx, id)
		if err != nil {
			r.logger.Warn().Err(err).Int("account", idx).Msg("cannot assume role, sweeping own account only")
			return single, nil
		}
		accounts = append(accounts, resource.Account{Index: idx, ID: id, Credentials: creds})
	}

	if len(accounts) == 0 {
		return single, nil
	}
	r.logger.Info().Int("accounts", len(accounts)).Msg("resolved organization accounts")
	return accounts, nil
}

func (r *Resolver) listAccounts(ctx context.Context) ([]string, error) {
	var ids []string

	paginator := organizations.NewListAccountsPaginator(r.orgs, &organizations.ListAccountsInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		for _, a := range page.Accounts {
			if a.Status != orgtypes.AccountStatusActive {
				continue
			}
			ids = append(ids, aws.ToString(a.Id))
		}
	}
	return ids, nil
}

func (r *Resolver) assumeRole(ctx context.Context, accountID string) (resource.Credentials, error) {
	out, err := r.sts.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(fmt.Sprintf("arn:aws:iam::%s:role/%s", accountID, r.cfg.RoleName)),
		RoleSessionName: aws.String("e2esweep-" + uuid.NewString()),
		DurationSeconds: aws.Int32(int32(r.cfg.SessionDuration / time.Second)),
	})
	if err != nil {
		return resource.Credentials{}, fmt.Errorf("assume role: %w", err)
	}
	if out.Credentials == nil {
		return resource.Credentials{}, errors.New("assume role: no credentials returned")
	}
	return resource.Credentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
	}, nil
}
