package keys

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsAPI is the subset of the Secrets Manager client used by SecretStore.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, input *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretStore resolves references as AWS Secrets Manager secret IDs.
type SecretStore struct {
	client SecretsAPI
}

// Option configures a SecretStore.
type Option func(*SecretStore)

// WithClient sets a custom Secrets Manager client.
func WithClient(c SecretsAPI) Option {
	return func(s *SecretStore) { s.client = c }
}

// NewSecretStore creates a store on the default AWS credential chain unless
// a client is supplied.
func NewSecretStore(ctx context.Context, opts ...Option) (*SecretStore, error) {
	s := &SecretStore{}
	for _, o := range opts {
		o(s)
	}
	if s.client == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		s.client = secretsmanager.NewFromConfig(cfg)
	}
	return s, nil
}

// Get returns the string value of the secret named by reference.
func (s *SecretStore) Get(ctx context.Context, reference string) (string, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(reference),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %q: %w", reference, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %q has no string value", reference)
	}
	return *out.SecretString, nil
}
