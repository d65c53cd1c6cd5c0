package cache

import (
	"context"
	"time"
)

// Keys used by the status store
const (
	keyPrefix        = "funnelsync:"
	KeyRunLock       = keyPrefix + "lock:sync"
	KeyDriftLock     = keyPrefix + "lock:drift"
	KeyLastSummary   = keyPrefix + "status:last_summary"
	KeyLastDrift     = keyPrefix + "status:last_drift"
	defaultStatusTTL = 7 * 24 * time.Hour
)

// StatusStore keeps the latest run results and the run locks
type StatusStore struct {
	client  *Client
	lockTTL time.Duration
}

// NewStatusStore creates a status store; lockTTL caps how long a run may hold its lock
func NewStatusStore(client *Client, lockTTL time.Duration) *StatusStore {
	if lockTTL <= 0 {
		lockTTL = 2 * time.Hour
	}
	return &StatusStore{client: client, lockTTL: lockTTL}
}

// LockSync takes the batch sync lock
func (s *StatusStore) LockSync(ctx context.Context) (*Lock, error) {
	return s.client.AcquireLock(ctx, KeyRunLock, s.lockTTL)
}

// LockDrift takes the drift verification lock
func (s *StatusStore) LockDrift(ctx context.Context) (*Lock, error) {
	return s.client.AcquireLock(ctx, KeyDriftLock, s.lockTTL)
}

// SaveSummary stores the latest sync summary
func (s *StatusStore) SaveSummary(ctx context.Context, summary any) error {
	return s.client.SetJSON(ctx, KeyLastSummary, summary, defaultStatusTTL)
}

// LastSummary loads the latest sync summary into dst; ErrMiss when none
func (s *StatusStore) LastSummary(ctx context.Context, dst any) error {
	return s.client.GetJSON(ctx, KeyLastSummary, dst)
}

// SaveDriftReport stores the latest drift report
func (s *StatusStore) SaveDriftReport(ctx context.Context, report any) error {
	return s.client.SetJSON(ctx, KeyLastDrift, report, defaultStatusTTL)
}

// LastDriftReport loads the latest drift report into dst; ErrMiss when none
func (s *StatusStore) LastDriftReport(ctx context.Context, dst any) error {
	return s.client.GetJSON(ctx, KeyLastDrift, dst)
}
