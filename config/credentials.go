package config

import (
	"errors"
	"time"
)

// ErrCredentialsExpired is returned by clients holding credentials past their expiry
var ErrCredentialsExpired = errors.New("credentials expired")

// Credentials are resolved once at process start and handed to every client.
// ExpiresAt is zero when the source does not expire.
type Credentials struct {
	CRMToken              string `validate:"required"`
	CRMInstance           string `validate:"required"`
	DatastoreAPIKey       string
	DatastoreServiceToken string
	ExpiresAt             time.Time
}

// Expired reports whether the credentials are no longer usable at now
func (c Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// DatastoreBearer returns the bearer token for datastore calls, falling back to the API key
func (c Credentials) DatastoreBearer() string {
	if c.DatastoreServiceToken != "" {
		return c.DatastoreServiceToken
	}
	return c.DatastoreAPIKey
}
