package refresh

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"mailpool/internal/domain"
	"mailpool/internal/store"
)

var ErrAccountNotFound = errors.New("account not found")

// GroupScope is the checkpoint scope of a group refresh.
func GroupScope(groupID int64) string { return "group:" + strconv.FormatInt(groupID, 10) }

// modeFor picks the resolution mode: operator-driven runs stay conservative,
// scheduled runs scale with the pool.
func modeFor(kind string) Mode {
	if kind == domain.KindScheduled {
		return ModeAdaptive
	}
	return ModeFull
}

// RefreshAll refreshes every active account as a manual or scheduled run.
func (o *Orchestrator) RefreshAll(ctx context.Context, kind string, resume bool, sink Sink) (*CompleteEvent, error) {
	if kind != domain.KindManual && kind != domain.KindScheduled {
		return nil, fmt.Errorf("refresh all: unsupported kind %q", kind)
	}
	o.prune(ctx)
	accounts, err := o.store.ListActiveAccounts(ctx, nil)
	if err != nil {
		return nil, err
	}
	cfg, err := o.resolve(ctx, len(accounts), modeFor(kind))
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, Request{Kind: kind, Scope: kind, Accounts: accounts, Config: cfg, Resume: resume}, sink)
}

// RefreshGroup refreshes the active accounts of one group under its own scope.
func (o *Orchestrator) RefreshGroup(ctx context.Context, groupID int64, resume bool, sink Sink) (*CompleteEvent, error) {
	o.prune(ctx)
	accounts, err := o.store.ListActiveAccounts(ctx, &groupID)
	if err != nil {
		return nil, err
	}
	cfg, err := o.resolve(ctx, len(accounts), ModeFull)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, Request{
		Kind:     domain.KindGroup,
		Scope:    GroupScope(groupID),
		Accounts: accounts,
		Config:   cfg,
		Resume:   resume,
		GroupID:  &groupID,
	}, sink)
}

// RefreshFailed retries the accounts whose latest attempt failed. Retries
// never resume.
func (o *Orchestrator) RefreshFailed(ctx context.Context, sink Sink) (*CompleteEvent, error) {
	accounts, err := o.store.ListLatestFailedAccounts(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := o.resolve(ctx, len(accounts), ModeFull)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, Request{Kind: domain.KindRetry, Scope: domain.KindRetry, Accounts: accounts, Config: cfg}, sink)
}

// RefreshOne refreshes a single account outside of any run and logs the
// attempt as manual.
func (o *Orchestrator) RefreshOne(ctx context.Context, accountID int64) (*Outcome, error) {
	acc, err := o.store.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	out, _ := o.refreshAccount(ctx, *acc)
	entry := domain.RefreshLogEntry{
		AccountID:    acc.ID,
		AccountEmail: acc.Email,
		Kind:         domain.KindManual,
		Status:       domain.OutcomeSuccess,
		CreatedAt:    o.now(),
	}
	if !out.OK {
		entry.Status = domain.OutcomeFailed
		entry.Error = out.Error
	}
	if err := o.store.RecordRefresh(ctx, entry); err != nil {
		return nil, err
	}
	o.metrics.RefreshAttempt(domain.KindManual, entry.Status)
	return &out, nil
}

// Settings returns the stored refresh settings over the configured defaults.
func (o *Orchestrator) Settings(ctx context.Context) (Settings, error) {
	return LoadSettings(ctx, o.store, o.opts.Defaults)
}

func (o *Orchestrator) resolve(ctx context.Context, total int, mode Mode) (Config, error) {
	s, err := o.Settings(ctx)
	if err != nil {
		return Config{}, err
	}
	return ResolveConfig(s, total, mode), nil
}

// prune drops logs past the retention window. Failure only gets logged.
func (o *Orchestrator) prune(ctx context.Context) {
	n, err := o.store.PruneRefreshLogs(ctx, o.now().Add(-o.opts.LogRetention))
	if err != nil {
		log.Warn().Err(err).Msg("prune refresh logs")
		return
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Msg("pruned old refresh logs")
	}
}

// ResumeState is a checkpoint as shown to operators.
type ResumeState struct {
	domain.Checkpoint
	Remaining int  `json:"remaining"`
	Stale     bool `json:"stale"`
}

// ResumeStatus returns the scope's checkpoint, or nil when there is none.
func (o *Orchestrator) ResumeStatus(ctx context.Context, scope string) (*ResumeState, error) {
	cp, err := o.store.GetCheckpoint(ctx, scope)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ResumeState{
		Checkpoint: *cp,
		Remaining:  max(0, cp.Total-cp.Processed),
		Stale:      o.now().Sub(cp.UpdatedAt) > o.opts.ResumeTTL,
	}, nil
}

// ClearResume drops the manual, scheduled and retry checkpoints and, if
// given, the group's.
func (o *Orchestrator) ClearResume(ctx context.Context, groupID *int64) error {
	scopes := []string{domain.KindManual, domain.KindScheduled, domain.KindRetry}
	if groupID != nil {
		scopes = append(scopes, GroupScope(*groupID))
	}
	return o.store.DeleteCheckpoints(ctx, scopes...)
}

type RunRate struct {
	RunID           string    `json:"run_id"`
	RunTime         time.Time `json:"run_time"`
	Kind            string    `json:"refresh_type"`
	Total           int       `json:"total"`
	SuccessCount    int       `json:"success_count"`
	FailedCount     int       `json:"failed_count"`
	DurationSeconds *int      `json:"duration_seconds"`
	AvgRate         *float64  `json:"avg_rate"`
}

// RecentRates summarizes throughput of the latest non-empty runs.
func (o *Orchestrator) RecentRates(ctx context.Context, limit int, kinds ...string) ([]RunRate, error) {
	runs, err := o.store.ListRuns(ctx, kinds, limit)
	if err != nil {
		return nil, err
	}
	rates := []RunRate{}
	for _, r := range runs {
		if r.Total == 0 {
			continue
		}
		rr := RunRate{
			RunID:        r.ID,
			RunTime:      r.StartedAt,
			Kind:         r.Kind,
			Total:        r.Total,
			SuccessCount: r.SuccessCount,
			FailedCount:  r.FailedCount,
		}
		if r.FinishedAt != nil {
			d := max(1, int(r.FinishedAt.Sub(r.StartedAt).Seconds()))
			avg := float64(r.Total) / float64(d)
			rr.DurationSeconds, rr.AvgRate = &d, &avg
		}
		rates = append(rates, rr)
	}
	return rates, nil
}
