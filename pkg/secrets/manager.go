package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
)

// Manager defines the interface for secrets management
type Manager interface {
	// GetSecret retrieves a secret by key
	GetSecret(ctx context.Context, key string) (string, error)

	// GetSecretJSON retrieves a secret and unmarshals it as JSON
	GetSecretJSON(ctx context.Context, key string, dest interface{}) error

	// Expiring reports whether values from this backend rotate
	Expiring() bool
}

// Config holds secrets manager configuration
type Config struct {
	Backend       string        // "env" or "aws-secrets-manager"
	AWSRegion     string        // AWS region for Secrets Manager
	Prefix        string        // prepended to every Secrets Manager id
	CacheDuration time.Duration // how long fetched values are reused
}

// NewManager creates a new secrets manager based on configuration
func NewManager(cfg Config) (Manager, error) {
	switch cfg.Backend {
	case "aws-secrets-manager", "aws":
		log.Printf("🔐 Initializing AWS Secrets Manager (region: %s)", cfg.AWSRegion)
		return NewAWSSecretsManager(cfg)
	case "env", "environment", "":
		log.Printf("🔐 Using environment variables for secrets")
		return EnvironmentManager{}, nil
	default:
		return nil, fmt.Errorf("unsupported secrets backend: %s", cfg.Backend)
	}
}

// EnvironmentManager loads secrets from environment variables
type EnvironmentManager struct{}

// GetSecret retrieves a secret from environment variables
func (EnvironmentManager) GetSecret(ctx context.Context, key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	return value, nil
}

// GetSecretJSON retrieves a secret and unmarshals it as JSON
func (m EnvironmentManager) GetSecretJSON(ctx context.Context, key string, dest interface{}) error {
	value, err := m.GetSecret(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(value), dest)
}

// Expiring is false: the environment does not rotate
func (EnvironmentManager) Expiring() bool {
	return false
}

// SecretsAPI is the part of the Secrets Manager client in use
type SecretsAPI interface {
	GetSecretValueWithContext(ctx aws.Context, input *secretsmanager.GetSecretValueInput, opts ...request.Option) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManager loads secrets from AWS Secrets Manager
type AWSSecretsManager struct {
	client  SecretsAPI
	prefix  string
	ttl     time.Duration
	cache   map[string]cachedSecret
	cacheMu sync.RWMutex
	now     func() time.Time
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

// NewAWSSecretsManager creates a new AWS Secrets Manager client
func NewAWSSecretsManager(cfg Config) (*AWSSecretsManager, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.AWSRegion),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	log.Printf("✅ AWS Secrets Manager initialized (cache duration: %s)", cfg.CacheDuration)

	return NewAWSSecretsManagerWithClient(secretsmanager.New(sess), cfg), nil
}

// NewAWSSecretsManagerWithClient wraps an existing client
func NewAWSSecretsManagerWithClient(client SecretsAPI, cfg Config) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: client,
		prefix: cfg.Prefix,
		ttl:    cfg.CacheDuration,
		cache:  make(map[string]cachedSecret),
		now:    time.Now,
	}
}

// GetSecret retrieves prefix+key from AWS Secrets Manager
func (m *AWSSecretsManager) GetSecret(ctx context.Context, key string) (string, error) {
	if value, ok := m.getCached(key); ok {
		return value, nil
	}

	result, err := m.client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(m.prefix + key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", key, err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", key)
	}

	m.setCached(key, *result.SecretString)
	return *result.SecretString, nil
}

// GetSecretJSON retrieves a secret and unmarshals it as JSON
func (m *AWSSecretsManager) GetSecretJSON(ctx context.Context, key string, dest interface{}) error {
	value, err := m.GetSecret(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(value), dest)
}

// Expiring is true: Secrets Manager values rotate
func (m *AWSSecretsManager) Expiring() bool {
	return true
}

func (m *AWSSecretsManager) getCached(key string) (string, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()

	cached, ok := m.cache[key]
	if !ok || !m.now().Before(cached.expiresAt) {
		return "", false
	}
	return cached.value, true
}

func (m *AWSSecretsManager) setCached(key, value string) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	m.cache[key] = cachedSecret{
		value:     value,
		expiresAt: m.now().Add(m.ttl),
	}
}
