package scheduler

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"mailpool/internal/metrics"
	"mailpool/internal/store"
)

// Lock elects one process to run periodic refreshes. The stored row is
// held by another owner only while its heartbeat is younger than ttl.
type Lock struct {
	store      *store.Store
	instanceID string
	ttl        time.Duration
	metrics    *metrics.Metrics
	held       atomic.Bool
	now        func() time.Time
}

func NewLock(st *store.Store, ttl time.Duration, m *metrics.Metrics) *Lock {
	return &Lock{
		store:      st,
		instanceID: strings.ReplaceAll(uuid.NewString(), "-", ""),
		ttl:        ttl,
		metrics:    m,
		now:        time.Now,
	}
}

func (l *Lock) InstanceID() string { return l.instanceID }

// Held reports the outcome of the last acquire or heartbeat.
func (l *Lock) Held() bool { return l.held.Load() }

// TryAcquire takes the lock unless another owner heartbeated within ttl.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	now := l.now()
	acquired := false
	err := l.store.WithTx(ctx, func(tx *store.Tx) error {
		cur, err := tx.LoadSchedulerLock(ctx)
		if err != nil {
			return err
		}
		if cur != nil && cur.Owner != l.instanceID && now.Sub(cur.HeartbeatAt) < l.ttl {
			return nil
		}
		acquired = true
		return tx.WriteSchedulerLock(ctx, l.instanceID, now)
	})
	if err != nil {
		acquired = false
	}
	l.set(acquired)
	return acquired, err
}

// Heartbeat renews the lock if this instance owns it and is a no-op otherwise.
func (l *Lock) Heartbeat(ctx context.Context) error {
	now := l.now()
	owned := false
	err := l.store.WithTx(ctx, func(tx *store.Tx) error {
		cur, err := tx.LoadSchedulerLock(ctx)
		if err != nil {
			return err
		}
		if cur == nil || cur.Owner != l.instanceID {
			return nil
		}
		owned = true
		return tx.WriteSchedulerLock(ctx, l.instanceID, now)
	})
	if err != nil {
		return err
	}
	l.set(owned)
	return nil
}

func (l *Lock) set(held bool) {
	if prev := l.held.Swap(held); prev != held {
		log.Info().Str("instance", l.instanceID).Bool("held", held).Msg("scheduler lock ownership changed")
	}
	l.metrics.LockHeld(held)
}
