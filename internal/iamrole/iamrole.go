package iamrole

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.uber.org/zap"

	"github.com/justestif/sparkify-dwh/internal/catalog"
)

// DefaultSessionName identifies sessions opened by AssumeRole.
const DefaultSessionName = "sparkify-dwh"

// DefaultSessionDuration is how long assumed-role credentials stay valid.
const DefaultSessionDuration = time.Hour

// IAMClient is the part of the IAM API the checker uses.
type IAMClient interface {
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
}

// STSClient is the part of the STS API the checker uses.
type STSClient interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Checker verifies the warehouse role and issues credentials for it.
type Checker struct {
	iam    IAMClient
	sts    STSClient
	logger *zap.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Checker) {
		c.logger = l
	}
}

// New creates a Checker over the given clients.
func New(iamClient IAMClient, stsClient STSClient, opts ...Option) *Checker {
	c := &Checker{
		iam:    iamClient,
		sts:    stsClient,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromEnv loads the default AWS configuration chain and creates a Checker.
// region may be empty to use the chain's region.
func NewFromEnv(ctx context.Context, region string, opts ...Option) (*Checker, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return New(iam.NewFromConfig(cfg), sts.NewFromConfig(cfg), opts...), nil
}

// Report describes the outcome of Check.
type Report struct {
	RoleARN      string
	RoleName     string
	RoleID       string
	CallerARN    string
	CallerAcct   string
	CrossAccount bool
}

// Check confirms the role exists and reports who is asking.
func (c *Checker) Check(ctx context.Context, roleARN string) (*Report, error) {
	role, err := ParseRoleARN(roleARN)
	if err != nil {
		return nil, err
	}

	who, err := c.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("getting caller identity: %w", err)
	}

	out, err := c.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(role.Name)})
	if err != nil {
		return nil, fmt.Errorf("getting role %s: %w", role.Name, err)
	}

	r := &Report{
		RoleARN:    roleARN,
		RoleName:   role.Name,
		CallerARN:  aws.ToString(who.Arn),
		CallerAcct: aws.ToString(who.Account),
	}
	if out.Role != nil {
		r.RoleID = aws.ToString(out.Role.RoleId)
		if got := aws.ToString(out.Role.Arn); got != "" && got != roleARN {
			return nil, fmt.Errorf("%w: GetRole(%s) returned %s", ErrNotRoleARN, role.Name, got)
		}
	}
	r.CrossAccount = role.AccountID != r.CallerAcct

	c.logger.Info("warehouse role verified",
		zap.String("role_arn", r.RoleARN),
		zap.String("role_id", r.RoleID),
		zap.String("caller_arn", r.CallerARN),
		zap.Bool("cross_account", r.CrossAccount),
	)
	return r, nil
}

// Credentials assumes the role and returns temporary credentials for it.
func (c *Checker) Credentials(ctx context.Context, roleARN string) (*catalog.Credentials, error) {
	if _, err := ParseRoleARN(roleARN); err != nil {
		return nil, err
	}

	out, err := c.sts.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleARN),
		RoleSessionName: aws.String(DefaultSessionName),
		DurationSeconds: aws.Int32(int32(DefaultSessionDuration / time.Second)),
	})
	if err != nil {
		return nil, fmt.Errorf("assuming role %s: %w", roleARN, err)
	}
	if out.Credentials == nil {
		return nil, fmt.Errorf("assuming role %s: no credentials returned", roleARN)
	}

	c.logger.Debug("assumed warehouse role",
		zap.String("role_arn", roleARN),
		zap.Timep("expires", out.Credentials.Expiration),
	)
	return &catalog.Credentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
	}, nil
}
