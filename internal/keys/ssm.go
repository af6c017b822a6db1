package keys

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ParametersAPI is the subset of the SSM client used by ParameterStore.
type ParametersAPI interface {
	GetParameter(ctx context.Context, input *ssm.GetParameterInput, opts ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ParameterStore resolves references as SSM Parameter Store names, such as
// /gtfs/feeds/mdb-123/api_key. SecureString parameters are decrypted.
type ParameterStore struct {
	client ParametersAPI
}

// ParameterOption configures a ParameterStore.
type ParameterOption func(*ParameterStore)

// WithParametersClient sets a custom SSM client.
func WithParametersClient(c ParametersAPI) ParameterOption {
	return func(s *ParameterStore) { s.client = c }
}

// NewParameterStore creates a store on the default AWS credential chain
// unless a client is supplied.
func NewParameterStore(ctx context.Context, opts ...ParameterOption) (*ParameterStore, error) {
	s := &ParameterStore{}
	for _, o := range opts {
		o(s)
	}
	if s.client == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		s.client = ssm.NewFromConfig(cfg)
	}
	return s, nil
}

// Get returns the decrypted value of the parameter named by reference.
func (s *ParameterStore) Get(ctx context.Context, reference string) (string, error) {
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(reference),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("get parameter %q: %w", reference, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %q has no value", reference)
	}
	return *out.Parameter.Value, nil
}
