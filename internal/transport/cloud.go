package transport

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/marko911/pulse-bus/internal/bus"
)

// Account and secret fields shared by the cloud-backed kinds.
const (
	fieldRegion          = "region"
	fieldAccessKeyID     = "access_key_id"
	fieldSecretAccessKey = "secret_access_key"
	fieldSessionToken    = "session_token"
	fieldRoleARN         = "role_arn"
	fieldExternalID      = "external_id"
	fieldEndpoint        = "endpoint"
)

// AssumeRoleDuration is the lifetime requested for assumed-role sessions.
const AssumeRoleDuration = 900 * time.Second

var regionPattern = regexp.MustCompile(`^[a-z]{2}(-[a-z]+)+-[0-9]{1,2}$`)

// CloudConfig holds settings shared by the cloud adapters.
type CloudConfig struct {
	// Timeout bounds a single send, including any role exchange.
	Timeout time.Duration `yaml:"timeout"`
	// SessionPrefix names assumed-role sessions.
	SessionPrefix string `yaml:"session_prefix"`
}

// DefaultCloudConfig returns sensible defaults.
func DefaultCloudConfig() CloudConfig {
	return CloudConfig{
		Timeout:       30 * time.Second,
		SessionPrefix: "bus-relay",
	}
}

// STSFactory builds the client used for role exchange.
type STSFactory func(cfg aws.Config) stscreds.AssumeRoleAPIClient

func defaultSTS(cfg aws.Config) stscreds.AssumeRoleAPIClient {
	return sts.NewFromConfig(cfg)
}

// cloudBase resolves credentials the same way for every cloud kind.
type cloudBase struct {
	cfg    CloudConfig
	newSTS STSFactory
}

func newCloudBase(cfg CloudConfig) cloudBase {
	return cloudBase{cfg: cfg, newSTS: defaultSTS}
}

// awsConfig turns a bus credential into an SDK config. Static keys come
// from the credential; when a role ARN is present they are exchanged for a
// short-lived session.
func (b cloudBase) awsConfig(tenantID string, cred bus.Credential) (aws.Config, error) {
	region := cred.AccountValue(fieldRegion)
	if !regionPattern.MatchString(region) {
		return aws.Config{}, fmt.Errorf("invalid region %q", region)
	}

	accessKey := cred.AccountValue(fieldAccessKeyID)
	secretKey := cred.SecretValue(fieldSecretAccessKey)
	if accessKey == "" || secretKey == "" {
		return aws.Config{}, errors.New("missing access key")
	}

	cfg := aws.Config{
		Region: region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, cred.SecretValue(fieldSessionToken))),
	}

	roleARN := cred.AccountValue(fieldRoleARN)
	if roleARN == "" {
		return cfg, nil
	}

	externalID := cred.AccountValue(fieldExternalID)
	provider := stscreds.NewAssumeRoleProvider(b.newSTS(cfg), roleARN, func(o *stscreds.AssumeRoleOptions) {
		o.Duration = AssumeRoleDuration
		o.RoleSessionName = fmt.Sprintf("%s-%s", b.cfg.SessionPrefix, tenantID)
		if externalID != "" {
			o.ExternalID = aws.String(externalID)
		}
	})
	cfg.Credentials = aws.NewCredentialsCache(provider)
	return cfg, nil
}

// endpoint returns the optional endpoint override, used for local stacks.
func endpoint(cred bus.Credential) *string {
	if e := cred.AccountValue(fieldEndpoint); e != "" {
		return aws.String(e)
	}
	return nil
}

func (b cloudBase) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.cfg.Timeout)
}

func cloudDescriptor(cred bus.Credential, fields ...string) Descriptor {
	d := baseDescriptor(cred)
	d[fieldRegion] = cred.AccountValue(fieldRegion)
	for _, f := range fields {
		d[f] = cred.AccountValue(f)
	}
	return d
}
