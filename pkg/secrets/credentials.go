package secrets

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jordanlanch/funnelsync/config"
)

// Secret keys
const (
	KeyCRMToken              = "SPRINTHUB_TOKEN"
	KeyCRMInstance           = "SPRINTHUB_INSTANCE"
	KeyDatastoreAPIKey       = "DATASTORE_API_KEY"
	KeyDatastoreServiceToken = "DATASTORE_SERVICE_TOKEN"
)

// LoadString loads a secret, returning fallback when it is missing
func LoadString(ctx context.Context, m Manager, key, fallback string) string {
	value, err := m.GetSecret(ctx, key)
	if err != nil || value == "" {
		return fallback
	}
	return value
}

// LoadStringRequired loads a required secret (fails if not found)
func LoadStringRequired(ctx context.Context, m Manager, key string) (string, error) {
	value, err := m.GetSecret(ctx, key)
	if err != nil {
		return "", fmt.Errorf("required secret %s not found: %w", key, err)
	}
	if value == "" {
		return "", fmt.Errorf("required secret %s is empty", key)
	}
	return value, nil
}

// ResolveCredentials reads every credential once. Values from a rotating
// backend expire ttl after now; environment values never expire.
func ResolveCredentials(ctx context.Context, m Manager, ttl time.Duration, now time.Time) (config.Credentials, error) {
	var creds config.Credentials

	token, err := LoadStringRequired(ctx, m, KeyCRMToken)
	if err != nil {
		return creds, err
	}
	instance, err := LoadStringRequired(ctx, m, KeyCRMInstance)
	if err != nil {
		return creds, err
	}

	creds = config.Credentials{
		CRMToken:              token,
		CRMInstance:           instance,
		DatastoreAPIKey:       LoadString(ctx, m, KeyDatastoreAPIKey, ""),
		DatastoreServiceToken: LoadString(ctx, m, KeyDatastoreServiceToken, ""),
	}
	if m.Expiring() && ttl > 0 {
		creds.ExpiresAt = now.Add(ttl)
	}

	if err := validator.New().Struct(creds); err != nil {
		return config.Credentials{}, fmt.Errorf("invalid credentials: %w", err)
	}
	return creds, nil
}
