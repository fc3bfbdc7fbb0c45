package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mailpool/internal/domain"
)

// SweepExpiredLeases deletes every lease whose expiry is at or before now.
func (t *Tx) SweepExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM account_leases WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep expired leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// NextFreeAccount picks the lowest-id active account without a lease.
func (t *Tx) NextFreeAccount(ctx context.Context, groupID *int64) (domain.Account, error) {
	query := `
SELECT a.id,a.email,a.password,a.client_id,a.refresh_token,a.group_id,a.status,a.last_refresh_at,a.created_at,a.updated_at
FROM accounts a
LEFT JOIN account_leases l ON l.account_id = a.id
WHERE a.status='active' AND l.account_id IS NULL`
	var args []any
	if groupID != nil {
		query += ` AND a.group_id=?`
		args = append(args, *groupID)
	}
	query += ` ORDER BY a.id ASC LIMIT 1`

	var a domain.Account
	err := t.tx.GetContext(ctx, &a, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, ErrNotFound
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("select free account: %w", err)
	}
	return a, nil
}

func (t *Tx) InsertLease(ctx context.Context, l domain.Lease) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO account_leases (lease_id,account_id,owner,expires_at,created_at) VALUES (?,?,?,?,?)`,
		l.ID, l.AccountID, l.Owner, l.ExpiresAt.UTC(), l.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert lease: %w", err)
	}
	return nil
}

func (t *Tx) GetLease(ctx context.Context, id string) (domain.Lease, error) {
	var l domain.Lease
	err := t.tx.GetContext(ctx, &l, `
SELECT lease_id,account_id,owner,expires_at,created_at FROM account_leases WHERE lease_id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Lease{}, ErrNotFound
	}
	if err != nil {
		return domain.Lease{}, fmt.Errorf("get lease: %w", err)
	}
	return l, nil
}

func (t *Tx) DeleteLease(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM account_leases WHERE lease_id=?`, id)
	if err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListLeases returns the leases currently stored, live or not yet swept.
func (s *Store) ListLeases(ctx context.Context) ([]domain.Lease, error) {
	var leases []domain.Lease
	err := s.db.SelectContext(ctx, &leases, `
SELECT lease_id,account_id,owner,expires_at,created_at FROM account_leases ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	return leases, nil
}
