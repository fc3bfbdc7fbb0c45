package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mailpool/internal/domain"
)

// LoadSchedulerLock returns the stored lock row or nil if none was written yet.
func (t *Tx) LoadSchedulerLock(ctx context.Context) (*domain.SchedulerLock, error) {
	var l domain.SchedulerLock
	err := t.tx.GetContext(ctx, &l, `SELECT owner, heartbeat_at FROM scheduler_lock WHERE id=1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load scheduler lock: %w", err)
	}
	return &l, nil
}

func (t *Tx) WriteSchedulerLock(ctx context.Context, owner string, heartbeat time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO scheduler_lock (id, owner, heartbeat_at) VALUES (1, ?, ?)
ON CONFLICT(id) DO UPDATE SET owner=excluded.owner, heartbeat_at=excluded.heartbeat_at`, owner, heartbeat.UTC())
	if err != nil {
		return fmt.Errorf("write scheduler lock: %w", err)
	}
	return nil
}

// SchedulerLock reads the lock outside of a transaction, for display.
func (s *Store) SchedulerLock(ctx context.Context) (*domain.SchedulerLock, error) {
	var l domain.SchedulerLock
	err := s.db.GetContext(ctx, &l, `SELECT owner, heartbeat_at FROM scheduler_lock WHERE id=1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduler lock: %w", err)
	}
	return &l, nil
}
