package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"mailpool/internal/domain"
)

const (
	logColumns = `id,account_id,account_email,refresh_type,status,error_message,created_at`
	runColumns = `run_id,refresh_type,started_at,finished_at,total,total_all,success_count,failed_count,` +
		`resumed,skipped,group_id,max_workers,batch_size,delay_seconds,status`
	checkpointColumns = `scope,status,last_id,total,processed,group_id,started_at,updated_at,` +
		`finished_at,duration_seconds,avg_rate`
)

// FullRefreshKinds are the kinds that walk the whole candidate set.
var FullRefreshKinds = []string{domain.KindManual, domain.KindScheduled, domain.KindGroup}

type Stats struct {
	Total         int        `json:"total"`
	SuccessCount  int        `json:"success_count"`
	FailedCount   int        `json:"failed_count"`
	LastRefreshAt *time.Time `json:"last_refresh_time,omitempty"`
}

// PruneRefreshLogs removes log rows created before the cutoff.
func (s *Store) PruneRefreshLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM account_refresh_logs WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune refresh logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// StartRun opens a run row and persists its running checkpoint together.
func (s *Store) StartRun(ctx context.Context, run domain.RefreshRun, cp domain.Checkpoint) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.tx.NamedExecContext(ctx, `
INSERT INTO refresh_runs (`+runColumns+`)
VALUES (:run_id,:refresh_type,:started_at,:finished_at,:total,:total_all,:success_count,:failed_count,
        :resumed,:skipped,:group_id,:max_workers,:batch_size,:delay_seconds,:status)`, utcRun(run))
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return tx.saveCheckpoint(ctx, cp)
	})
}

// CommitBatch writes the batch's log rows, stamps successful accounts and
// advances the checkpoint in one transaction.
func (s *Store) CommitBatch(ctx context.Context, entries []domain.RefreshLogEntry, cp domain.Checkpoint) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		for _, e := range entries {
			if err := tx.insertLog(ctx, e); err != nil {
				return err
			}
		}
		return tx.saveCheckpoint(ctx, cp)
	})
}

// RecordRefresh writes a single attempt outside of any run.
func (s *Store) RecordRefresh(ctx context.Context, e domain.RefreshLogEntry) error {
	return s.WithTx(ctx, func(tx *Tx) error { return tx.insertLog(ctx, e) })
}

// FinishRun marks the run and its checkpoint completed.
func (s *Store) FinishRun(ctx context.Context, runID string, success, failed int, finishedAt time.Time, cp domain.Checkpoint) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `
UPDATE refresh_runs SET finished_at=?, success_count=?, failed_count=?, status='completed' WHERE run_id=?`,
			finishedAt.UTC(), success, failed, runID)
		if err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
		return tx.saveCheckpoint(ctx, cp)
	})
}

func (t *Tx) insertLog(ctx context.Context, e domain.RefreshLogEntry) error {
	at := e.CreatedAt.UTC()
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO account_refresh_logs (account_id,account_email,refresh_type,status,error_message,created_at)
VALUES (?,?,?,?,?,?)`, e.AccountID, e.AccountEmail, e.Kind, e.Status, e.Error, at)
	if err != nil {
		return fmt.Errorf("insert refresh log: %w", err)
	}
	if e.Status == domain.OutcomeSuccess {
		_, err = t.tx.ExecContext(ctx, `UPDATE accounts SET last_refresh_at=?, updated_at=? WHERE id=?`, at, at, e.AccountID)
		if err != nil {
			return fmt.Errorf("stamp last refresh: %w", err)
		}
	}
	return nil
}

func (t *Tx) saveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	cp.StartedAt = cp.StartedAt.UTC()
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	if cp.FinishedAt != nil {
		f := cp.FinishedAt.UTC()
		cp.FinishedAt = &f
	}
	_, err := t.tx.NamedExecContext(ctx, `
INSERT INTO refresh_checkpoints (`+checkpointColumns+`)
VALUES (:scope,:status,:last_id,:total,:processed,:group_id,:started_at,:updated_at,:finished_at,:duration_seconds,:avg_rate)
ON CONFLICT(scope) DO UPDATE SET
  status=excluded.status, last_id=excluded.last_id, total=excluded.total, processed=excluded.processed,
  group_id=excluded.group_id, started_at=excluded.started_at, updated_at=excluded.updated_at,
  finished_at=excluded.finished_at, duration_seconds=excluded.duration_seconds, avg_rate=excluded.avg_rate`, cp)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, scope string) (*domain.Checkpoint, error) {
	var cp domain.Checkpoint
	err := s.db.GetContext(ctx, &cp, `SELECT `+checkpointColumns+` FROM refresh_checkpoints WHERE scope=?`, scope)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *Store) DeleteCheckpoints(ctx context.Context, scopes ...string) error {
	if len(scopes) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM refresh_checkpoints WHERE scope IN (?)`, scopes)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*domain.RefreshRun, error) {
	var run domain.RefreshRun
	err := s.db.GetContext(ctx, &run, `SELECT `+runColumns+` FROM refresh_runs WHERE run_id=?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

// ListRuns returns the newest runs first, optionally filtered by kind.
func (s *Store) ListRuns(ctx context.Context, kinds []string, limit int) ([]domain.RefreshRun, error) {
	query := `SELECT ` + runColumns + ` FROM refresh_runs`
	var args []any
	if len(kinds) > 0 {
		q, a, err := sqlx.In(query+` WHERE refresh_type IN (?)`, kinds)
		if err != nil {
			return nil, err
		}
		query, args = q, a
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	var runs []domain.RefreshRun
	if err := s.db.SelectContext(ctx, &runs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// ListRefreshLogs returns full-refresh log rows created at or after since.
func (s *Store) ListRefreshLogs(ctx context.Context, since time.Time, limit, offset int) ([]domain.RefreshLogEntry, error) {
	query, args, err := sqlx.In(`
SELECT `+logColumns+` FROM account_refresh_logs
WHERE refresh_type IN (?) AND created_at >= ?
ORDER BY id DESC LIMIT ? OFFSET ?`, FullRefreshKinds, since.UTC(), limit, offset)
	if err != nil {
		return nil, err
	}
	var logs []domain.RefreshLogEntry
	if err := s.db.SelectContext(ctx, &logs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list refresh logs: %w", err)
	}
	return logs, nil
}

func (s *Store) ListAccountRefreshLogs(ctx context.Context, accountID int64, limit, offset int) ([]domain.RefreshLogEntry, error) {
	var logs []domain.RefreshLogEntry
	err := s.db.SelectContext(ctx, &logs, `
SELECT `+logColumns+` FROM account_refresh_logs WHERE account_id=? ORDER BY id DESC LIMIT ? OFFSET ?`,
		accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list account refresh logs: %w", err)
	}
	return logs, nil
}

// ListFailedRefreshLogs returns, per account, the latest log row when it failed.
func (s *Store) ListFailedRefreshLogs(ctx context.Context) ([]domain.RefreshLogEntry, error) {
	var logs []domain.RefreshLogEntry
	err := s.db.SelectContext(ctx, &logs, `
SELECT l.id,l.account_id,l.account_email,l.refresh_type,l.status,l.error_message,l.created_at
FROM account_refresh_logs l
JOIN (SELECT account_id, MAX(id) AS last_log FROM account_refresh_logs GROUP BY account_id) latest
  ON latest.last_log = l.id
WHERE l.status='failed'
ORDER BY l.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list failed refresh logs: %w", err)
	}
	return logs, nil
}

// LastRefreshAt reports when the newest log row of the given kind was written.
func (s *Store) LastRefreshAt(ctx context.Context, kinds ...string) (*time.Time, error) {
	query, args, err := sqlx.In(`
SELECT created_at FROM account_refresh_logs WHERE refresh_type IN (?) ORDER BY id DESC LIMIT 1`, kinds)
	if err != nil {
		return nil, err
	}
	var at time.Time
	err = s.db.GetContext(ctx, &at, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last refresh: %w", err)
	}
	return &at, nil
}

func (s *Store) RefreshStats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.GetContext(ctx, &st.Total, `SELECT COUNT(*) FROM accounts WHERE status='active'`); err != nil {
		return Stats{}, fmt.Errorf("count accounts: %w", err)
	}
	err := s.db.GetContext(ctx, &st.FailedCount, `
SELECT COUNT(*) FROM account_refresh_logs l
JOIN (SELECT account_id, MAX(id) AS last_log FROM account_refresh_logs GROUP BY account_id) latest
  ON latest.last_log = l.id
JOIN accounts a ON a.id = l.account_id
WHERE l.status='failed' AND a.status='active'`)
	if err != nil {
		return Stats{}, fmt.Errorf("count failed accounts: %w", err)
	}
	st.SuccessCount = st.Total - st.FailedCount
	if st.LastRefreshAt, err = s.LastRefreshAt(ctx, domain.KindManual, domain.KindScheduled); err != nil {
		return Stats{}, err
	}
	return st, nil
}

func utcRun(r domain.RefreshRun) domain.RefreshRun {
	r.StartedAt = r.StartedAt.UTC()
	if r.FinishedAt != nil {
		f := r.FinishedAt.UTC()
		r.FinishedAt = &f
	}
	return r
}
