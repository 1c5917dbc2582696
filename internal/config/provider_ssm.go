package config

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmMaxBatchSize is the SSM GetParameters per-request limit.
const ssmMaxBatchSize = 10

// SSMClient is the subset of the SSM SDK client used by SSMProvider.
type SSMClient interface {
	GetParameters(ctx context.Context, params *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// SSMProvider resolves secrets from AWS Systems Manager Parameter Store with
// decryption, in batches of ten. The CRM API key is the usual consumer.
type SSMProvider struct {
	region string
	client SSMClient
}

// NewSSMProvider creates an SSMProvider that lazily builds its client for
// region on first use.
func NewSSMProvider(region string) *SSMProvider {
	return &SSMProvider{region: region}
}

// NewSSMProviderWithClient creates an SSMProvider around an existing client,
// e.g. one built from a shared aws.Config pointing at LocalStack.
func NewSSMProviderWithClient(client SSMClient) *SSMProvider {
	return &SSMProvider{client: client}
}

func (p *SSMProvider) ensureClient(ctx context.Context) error {
	if p.client != nil {
		return nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.region))
	if err != nil {
		return fmt.Errorf("loading AWS config for SSM in %s: %w", p.region, err)
	}
	p.client = ssm.NewFromConfig(cfg)
	return nil
}

// GetParametersBatch returns path -> decrypted value for keys. A parameter SSM
// reports as invalid fails the whole call.
func (p *SSMProvider) GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error) {
	values := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return values, nil
	}
	if err := p.ensureClient(ctx); err != nil {
		return nil, err
	}

	for names := range slices.Chunk(keys, ssmMaxBatchSize) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("resolving SSM parameters: %w", err)
		}
		if err := p.fetch(ctx, names, values); err != nil {
			return nil, err
		}
	}
	return values, nil
}

func (p *SSMProvider) fetch(ctx context.Context, names []string, into map[string]string) error {
	out, err := p.client.GetParameters(ctx, &ssm.GetParametersInput{
		Names:          names,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("SSM GetParameters for %d names: %w", len(names), err)
	}
	if len(out.InvalidParameters) > 0 {
		return fmt.Errorf("SSM parameters not found: %s", strings.Join(out.InvalidParameters, ", "))
	}
	for _, param := range out.Parameters {
		if param.Name != nil && param.Value != nil {
			into[*param.Name] = *param.Value
		}
	}
	return nil
}
