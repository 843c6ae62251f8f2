package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/microsoft/TeamCloud-sub005/pkg/telemetry"
)

// LockOptions configures resource lock acquisition.
type LockOptions struct {
	// Timeout bounds a single acquisition attempt.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// PollInterval is how often a held lock is re-checked.
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`

	// Retry controls how LOCK_TIMEOUT failures are retried by orchestrations.
	Retry RetryPolicy `yaml:"retry" mapstructure:"retry"`
}

// DefaultLockOptions returns the lock settings used when none are configured.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Timeout:      time.Minute,
		PollInterval: 250 * time.Millisecond,
		Retry: RetryPolicy{
			MaxAttempts:        10,
			FirstInterval:      5 * time.Second,
			BackoffCoefficient: 1.5,
			MaxInterval:        time.Minute,
		},
	}
}

// LockManager serializes mutations of the same resource across
// orchestration instances. Locks are owned by instance IDs and are
// reentrant for their owner.
type LockManager struct {
	store  LockStore
	opts   LockOptions
	tel    *telemetry.Telemetry
	logger *telemetry.Logger
}

// NewLockManager creates a lock manager backed by store.
func NewLockManager(store LockStore, opts LockOptions, tel *telemetry.Telemetry) *LockManager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultLockOptions().PollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultLockOptions().Timeout
	}
	return &LockManager{
		store:  store,
		opts:   opts,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("locks"),
	}
}

// Acquire blocks until owner holds key or the acquisition timeout elapses,
// in which case a transient LOCK_TIMEOUT error is returned.
func (m *LockManager) Acquire(ctx context.Context, owner string, key LockKey) error {
	name := key.String()
	timer := telemetry.NewTimer()
	deadline := time.Now().Add(m.opts.Timeout)

	for {
		ok, err := m.store.TryAcquireLock(ctx, name, owner)
		if err != nil {
			return NewTransientError("failed to acquire lock", err).WithResource(name)
		}
		if ok {
			m.tel.Metrics.RecordLockWait(timer.Duration(), false)
			return nil
		}

		if !time.Now().Before(deadline) {
			holder, _ := m.store.LockHolder(ctx, name)
			m.tel.Metrics.RecordLockWait(timer.Duration(), true)
			_ = m.tel.Events.PublishLockTimeout(owner, name, holder)
			return NewTransientError("timed out waiting for lock", nil).
				WithCode(ErrCodeLockTimeout).
				WithResource(name).
				WithDetail("holder", holder)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.opts.PollInterval):
		}
	}
}

// AcquireWithRetry calls Acquire and retries LOCK_TIMEOUT failures with the
// configured backoff.
func (m *LockManager) AcquireWithRetry(ctx context.Context, owner string, key LockKey) error {
	policy := m.opts.Retry
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = m.Acquire(ctx, owner, key)
		if err == nil || CodeOf(err) != ErrCodeLockTimeout {
			return err
		}
		if attempt+1 >= policy.MaxAttempts {
			break
		}

		backoff := policy.Backoff(attempt, err)
		m.logger.WithInstanceID(owner).
			WithField("lock", key.String()).
			Debugf("lock busy, retrying in %s", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}

// Release frees key if owner holds it.
func (m *LockManager) Release(ctx context.Context, owner string, key LockKey) error {
	if err := m.store.ReleaseLock(ctx, key.String(), owner); err != nil {
		return NewTransientError("failed to release lock", err).WithResource(key.String())
	}
	return nil
}

// ReleaseAll frees every lock held by owner.
func (m *LockManager) ReleaseAll(ctx context.Context, owner string) error {
	n, err := m.store.ReleaseOwnerLocks(ctx, owner)
	if err != nil {
		return NewTransientError("failed to release locks", err).WithResource(owner)
	}
	if n > 0 {
		m.logger.WithInstanceID(owner).Debugf("released %d lock(s)", n)
	}
	return nil
}

// Holder returns the instance holding key, or "" when it is free.
func (m *LockManager) Holder(ctx context.Context, key LockKey) (string, error) {
	return m.store.LockHolder(ctx, key.String())
}

// Sweep frees locks whose owner instance no longer runs.
func (m *LockManager) Sweep(ctx context.Context) (int, error) {
	n, err := m.store.SweepOrphanedLocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep orphaned locks: %w", err)
	}
	if n > 0 {
		m.logger.Warnf("released %d orphaned lock(s)", n)
	}
	return n, nil
}

// SortLockKeys returns keys deduplicated and in global acquisition order:
// by kind, then ID, then qualifiers.
func SortLockKeys(keys []LockKey) []LockKey {
	seen := make(map[string]bool, len(keys))
	out := make([]LockKey, 0, len(keys))
	for _, k := range keys {
		if seen[k.String()] {
			continue
		}
		seen[k.String()] = true
		out = append(out, k)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return strings.Join(out[i].Qualifiers, ",") < strings.Join(out[j].Qualifiers, ",")
	})
	return out
}
