package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"mailpool/internal/domain"
)

func (s *Store) GetSetting(ctx context.Context, key, def string) (string, error) {
	var v string
	err := s.db.GetContext(ctx, &v, `SELECT value FROM settings WHERE key=?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return v, nil
}

// GetIntSetting falls back to def when the key is missing or not an integer.
func (s *Store) GetIntSetting(ctx context.Context, key string, def int) (int, error) {
	raw, err := s.GetSetting(ctx, key, "")
	if err != nil {
		return 0, err
	}
	n, convErr := strconv.Atoi(raw)
	if convErr != nil {
		return def, nil
	}
	return n, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// WriteAudit appends one audit row.
func (s *Store) WriteAudit(ctx context.Context, e domain.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO audit_logs (action, resource_type, resource_id, user_ip, details, created_at) VALUES (?,?,?,?,?,?)`,
		e.Action, e.ResourceType, e.ResourceID, e.CallerIP, e.Details, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("write audit: %w", err)
	}
	return nil
}

// ListAudit returns the newest audit rows first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	var entries []domain.AuditEntry
	err := s.db.SelectContext(ctx, &entries, `
SELECT action, resource_type, resource_id, user_ip, details FROM audit_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return entries, nil
}
