package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mailpool/internal/domain"
)

const accountColumns = `id,email,password,client_id,refresh_token,group_id,status,last_refresh_at,created_at,updated_at`

// CreateAccount inserts an account and fills in its assigned id.
func (s *Store) CreateAccount(ctx context.Context, a *domain.Account) error {
	now := time.Now().UTC()
	if a.Status == "" {
		a.Status = domain.AccountActive
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO accounts (email,password,client_id,refresh_token,group_id,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`, a.Email, a.Password, a.ClientID, a.RefreshToken, a.GroupID, a.Status, now, now)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	a.ID = id
	a.CreatedAt = now
	a.UpdatedAt = now
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	var a domain.Account
	err := s.db.GetContext(ctx, &a, `SELECT `+accountColumns+` FROM accounts WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// DeleteAccount removes an account; its lease and refresh logs cascade.
func (s *Store) DeleteAccount(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetAccountStatus(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET status=?, updated_at=? WHERE id=?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set account status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveAccounts returns active accounts in ascending id order,
// optionally restricted to one group.
func (s *Store) ListActiveAccounts(ctx context.Context, groupID *int64) ([]domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE status='active'`
	var args []any
	if groupID != nil {
		query += ` AND group_id=?`
		args = append(args, *groupID)
	}
	query += ` ORDER BY id ASC`

	var accounts []domain.Account
	if err := s.db.SelectContext(ctx, &accounts, query, args...); err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}
	return accounts, nil
}

// ListLatestFailedAccounts returns active accounts whose most recent refresh
// attempt failed, in ascending id order.
func (s *Store) ListLatestFailedAccounts(ctx context.Context) ([]domain.Account, error) {
	var accounts []domain.Account
	err := s.db.SelectContext(ctx, &accounts, `
SELECT a.id,a.email,a.password,a.client_id,a.refresh_token,a.group_id,a.status,a.last_refresh_at,a.created_at,a.updated_at
FROM accounts a
JOIN (SELECT account_id, MAX(id) AS last_log FROM account_refresh_logs GROUP BY account_id) latest
  ON latest.account_id = a.id
JOIN account_refresh_logs l ON l.id = latest.last_log
WHERE l.status='failed' AND a.status='active'
ORDER BY a.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list failed accounts: %w", err)
	}
	return accounts, nil
}
