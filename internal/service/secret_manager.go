package service

import (
	"context"
	"fmt"
	"strings"

	"app/internal/config"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
)

type SecretManagerService interface {
	AccessSecret(ctx context.Context, resourceName string) (string, error)
	ConfigureStripeSecrets(ctx context.Context, cfg *config.Config) error
}

type secretManagerService struct {
	client *secretmanager.Client
}

func NewSecretManagerService(ctx context.Context) (SecretManagerService, error) {
	var opts []option.ClientOption
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}
	return &secretManagerService{client: client}, nil
}

// AccessSecret reads the latest version of a secret by full resource name,
// e.g. projects/my-project/secrets/stripe-key. A /versions suffix may be
// included; when absent, latest is assumed.
func (s *secretManagerService) AccessSecret(ctx context.Context, resourceName string) (string, error) {
	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: withLatestVersion(resourceName),
	}
	result, err := s.client.AccessSecretVersion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to access secret version: %w", err)
	}
	return string(result.Payload.Data), nil
}

// ConfigureStripeSecrets overwrites the Stripe credentials in cfg with values
// from Secret Manager when secret names are configured. Environment-provided
// values stay in place otherwise, which keeps local development working
// without GCP access.
func (s *secretManagerService) ConfigureStripeSecrets(ctx context.Context, cfg *config.Config) error {
	if cfg.StripeKeySecretName != "" {
		key, err := s.AccessSecret(ctx, cfg.StripeKeySecretName)
		if err != nil {
			return fmt.Errorf("load stripe secret key: %w", err)
		}
		cfg.StripeSecretKey = key
	}
	if cfg.StripeWebhookSecretName != "" {
		secret, err := s.AccessSecret(ctx, cfg.StripeWebhookSecretName)
		if err != nil {
			return fmt.Errorf("load stripe webhook secret: %w", err)
		}
		cfg.StripeWebhookSecret = secret
	}
	return nil
}

func withLatestVersion(resourceName string) string {
	if strings.Contains(resourceName, "/versions/") {
		return resourceName
	}
	return resourceName + "/versions/latest"
}
