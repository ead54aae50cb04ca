package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/oriys/courier/internal/identity"
	"github.com/oriys/courier/internal/roomclient"
)

// AWSSecretsTokenStore persists the room-service login token in AWS
// Secrets Manager, satisfying transport.TokenStore by method set
// without importing the transport package. The secret is created on
// first Save if it does not already exist.
type AWSSecretsTokenStore struct {
	client   *secretsmanager.Client
	secretID string
}

// NewAWSSecretsTokenStore builds a store against cfg.SecretID, using the
// default AWS credential chain (environment, shared config, IAM role)
// with an optional region override.
func NewAWSSecretsTokenStore(ctx context.Context, cfg TokenStoreConfig) (*AWSSecretsTokenStore, error) {
	if cfg.SecretID == "" {
		return nil, fmt.Errorf("config: aws secrets token store requires a secret id")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("config: load aws config: %w", err)
	}

	return &AWSSecretsTokenStore{
		client:   secretsmanager.NewFromConfig(awsCfg),
		secretID: cfg.SecretID,
	}, nil
}

// storedToken is the JSON shape persisted as the secret's value.
type storedToken struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

// Load fetches and decodes the stored token. A missing secret is not an
// error: it returns (nil, nil) so Transport.Start performs a fresh login.
func (s *AWSSecretsTokenStore) Load(ctx context.Context) (*roomclient.AuthToken, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &s.secretID,
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: get secret value: %w", err)
	}
	if out.SecretString == nil {
		return nil, nil
	}

	var st storedToken
	if err := json.Unmarshal([]byte(*out.SecretString), &st); err != nil {
		return nil, fmt.Errorf("config: decode stored token: %w", err)
	}
	return &roomclient.AuthToken{
		UserID:      identity.UserID(st.UserID),
		AccessToken: st.AccessToken,
		DeviceID:    st.DeviceID,
	}, nil
}

// Save upserts token, creating the secret on first write.
func (s *AWSSecretsTokenStore) Save(ctx context.Context, token *roomclient.AuthToken) error {
	if token == nil {
		return nil
	}

	data, err := json.Marshal(storedToken{
		UserID:      string(token.UserID),
		AccessToken: token.AccessToken,
		DeviceID:    token.DeviceID,
	})
	if err != nil {
		return fmt.Errorf("config: encode token: %w", err)
	}
	str := string(data)

	_, err = s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     &s.secretID,
		SecretString: &str,
	})
	if err == nil {
		return nil
	}

	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("config: put secret value: %w", err)
	}

	if _, err := s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         &s.secretID,
		SecretString: &str,
	}); err != nil {
		return fmt.Errorf("config: create secret: %w", err)
	}
	return nil
}
