// Package lease hands out exclusive, time-bounded claims on accounts to
// external workers.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"mailpool/internal/domain"
	"mailpool/internal/metrics"
	"mailpool/internal/store"
)

const (
	DefaultTTL = 900
	MinTTL     = 60
	MaxTTL     = 3600
)

var (
	ErrNoAvailableAccount = errors.New("no available account")
	ErrLeaseNotFound      = errors.New("lease not found")
)

// AuditSink records lease activity. Its errors never fail the operation.
type AuditSink interface {
	WriteAudit(ctx context.Context, e domain.AuditEntry) error
}

type CheckoutRequest struct {
	GroupID    *int64
	Owner      string
	TTLSeconds int
	Caller     string
}

type Checkout struct {
	LeaseID   string    `json:"lease_id"`
	AccountID int64     `json:"account_id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Manager struct {
	store   *store.Store
	audit   AuditSink
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewManager(st *store.Store, audit AuditSink, m *metrics.Metrics) *Manager {
	return &Manager{store: st, audit: audit, metrics: m, now: time.Now}
}

// ClampTTL maps a requested TTL into [MinTTL, MaxTTL]; zero means DefaultTTL.
func ClampTTL(seconds int) int {
	if seconds == 0 {
		return DefaultTTL
	}
	return max(MinTTL, min(seconds, MaxTTL))
}

// Checkout leases the lowest-id active account that has no live lease.
// Expired leases are swept in the same transaction.
func (m *Manager) Checkout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	now := m.now()
	ttl := time.Duration(ClampTTL(req.TTLSeconds)) * time.Second

	var out *Checkout
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.SweepExpiredLeases(ctx, now); err != nil {
			return err
		}
		acc, err := tx.NextFreeAccount(ctx, req.GroupID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoAvailableAccount
		}
		if err != nil {
			return err
		}
		l := domain.Lease{
			ID:        strings.ReplaceAll(uuid.NewString(), "-", ""),
			AccountID: acc.ID,
			Owner:     req.Owner,
			ExpiresAt: now.Add(ttl),
			CreatedAt: now,
		}
		if err := tx.InsertLease(ctx, l); err != nil {
			return err
		}
		out = &Checkout{LeaseID: l.ID, AccountID: acc.ID, Email: acc.Email, ExpiresAt: l.ExpiresAt.UTC()}
		return nil
	})
	if errors.Is(err, ErrNoAvailableAccount) {
		m.metrics.Checkout("none_available")
		return nil, err
	}
	if err != nil {
		m.metrics.Checkout("error")
		return nil, fmt.Errorf("checkout: %w", err)
	}

	m.metrics.Checkout("ok")
	log.Info().Str("lease_id", out.LeaseID).Int64("account_id", out.AccountID).
		Str("owner", req.Owner).Dur("ttl", ttl).Msg("account checked out")
	m.writeAudit(ctx, domain.AuditEntry{
		Action:       "checkout",
		ResourceType: "account",
		ResourceID:   strconv.FormatInt(out.AccountID, 10),
		CallerIP:     req.Caller,
		Details:      fmt.Sprintf("lease_id=%s, owner=%s", out.LeaseID, req.Owner),
	})
	return out, nil
}

// Complete releases a lease. The result is only audited. A lease that has
// already expired counts as absent and is removed.
func (m *Manager) Complete(ctx context.Context, leaseID, result, caller string) error {
	now := m.now()
	var (
		accountID int64
		expired   bool
	)
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		l, err := tx.GetLease(ctx, leaseID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrLeaseNotFound
		}
		if err != nil {
			return err
		}
		if err := tx.DeleteLease(ctx, leaseID); err != nil {
			return err
		}
		expired = !l.ExpiresAt.After(now)
		accountID = l.AccountID
		return nil
	})
	switch {
	case err == nil && expired:
		m.metrics.Completion("expired")
		return ErrLeaseNotFound
	case errors.Is(err, ErrLeaseNotFound):
		m.metrics.Completion("not_found")
		return err
	case err != nil:
		m.metrics.Completion("error")
		return fmt.Errorf("complete lease: %w", err)
	}

	m.metrics.Completion("ok")
	log.Info().Str("lease_id", leaseID).Int64("account_id", accountID).Str("result", result).Msg("lease completed")
	m.writeAudit(ctx, domain.AuditEntry{
		Action:       "checkout_complete",
		ResourceType: "account",
		ResourceID:   strconv.FormatInt(accountID, 10),
		CallerIP:     caller,
		Details:      fmt.Sprintf("lease_id=%s, result=%s", leaseID, result),
	})
	return nil
}

func (m *Manager) writeAudit(ctx context.Context, e domain.AuditEntry) {
	if m.audit == nil {
		return
	}
	if err := m.audit.WriteAudit(ctx, e); err != nil {
		log.Warn().Err(err).Str("action", e.Action).Msg("audit write failed")
	}
}
