// Package refresh validates account refresh tokens in concurrent,
// paced, resumable batches.
package refresh

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"mailpool/internal/domain"
	"mailpool/internal/metrics"
	"mailpool/internal/store"
	"mailpool/internal/validator"
	"mailpool/internal/worker"
)

type Validator interface {
	Validate(ctx context.Context, clientID, refreshToken string) validator.Result
}

type Decrypter interface {
	Decrypt(stored string) (string, error)
}

type Options struct {
	Defaults     Settings
	ResumeTTL    time.Duration
	LogRetention time.Duration
	// DelayCeiling bounds the adapted inter-batch delay, in seconds.
	DelayCeiling int
}

type Orchestrator struct {
	store     *store.Store
	validator Validator
	codec     Decrypter
	metrics   *metrics.Metrics
	opts      Options

	// inflight holds one unit per running Run; Wait takes all of them.
	inflight *semaphore.Weighted

	now   func() time.Time
	sleep func(time.Duration)
}

const maxInflight = 1 << 20

func New(st *store.Store, v Validator, codec Decrypter, m *metrics.Metrics, opts Options) *Orchestrator {
	if opts.ResumeTTL <= 0 {
		opts.ResumeTTL = 6 * time.Hour
	}
	if opts.LogRetention <= 0 {
		opts.LogRetention = 180 * 24 * time.Hour
	}
	if opts.DelayCeiling <= 0 {
		opts.DelayCeiling = 10
	}
	return &Orchestrator{
		store:     st,
		validator: v,
		codec:     codec,
		metrics:   m,
		opts:      opts,
		inflight:  semaphore.NewWeighted(maxInflight),
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

// Request describes one run. Accounts must not repeat ids.
type Request struct {
	Kind     string
	Scope    string
	Accounts []domain.Account
	Config   Config
	Resume   bool
	GroupID  *int64
}

// Outcome is the result of refreshing one account.
type Outcome struct {
	AccountID  int64  `json:"account_id"`
	Email      string `json:"email"`
	OK         bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

// Run refreshes req.Accounts in ascending id order, one batch at a time.
// Per-account failures are recorded, never returned; the error is reserved
// for storage failures, which leave the last committed checkpoint intact.
// The run has no cancellation: ctx is only handed to the validator.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink Sink) (*CompleteEvent, error) {
	if err := o.inflight.Acquire(context.Background(), 1); err != nil {
		return nil, err
	}
	defer o.inflight.Release(1)
	if sink == nil {
		sink = discard
	}
	if req.Scope == "" {
		req.Scope = req.Kind
	}
	cfg := req.Config
	cfg.MaxWorkers = max(cfg.MaxWorkers, 1)
	cfg.BatchSize = max(cfg.BatchSize, 1)
	cfg.DelaySeconds = max(cfg.DelaySeconds, 0)

	accounts := slices.Clone(req.Accounts)
	slices.SortFunc(accounts, func(a, b domain.Account) int { return cmp.Compare(a.ID, b.ID) })
	totalAll := len(accounts)

	startedAt := o.now()
	var resumeFrom int64
	cpStarted := startedAt
	if req.Resume {
		prev, err := o.resumable(ctx, req.Scope)
		if err != nil {
			return nil, err
		}
		if prev != nil && prev.LastID > 0 {
			resumeFrom = prev.LastID
			cpStarted = prev.StartedAt
		}
	}
	if resumeFrom > 0 {
		i, _ := slices.BinarySearchFunc(accounts, resumeFrom+1, func(a domain.Account, id int64) int { return cmp.Compare(a.ID, id) })
		accounts = accounts[i:]
	}
	total := len(accounts)
	resumed := resumeFrom > 0

	cp := domain.Checkpoint{
		Scope:     req.Scope,
		Status:    domain.RunRunning,
		LastID:    resumeFrom,
		Total:     totalAll,
		Processed: totalAll - total,
		GroupID:   req.GroupID,
		StartedAt: cpStarted,
		UpdatedAt: startedAt,
	}
	run := domain.RefreshRun{
		ID:           strings.ReplaceAll(uuid.NewString(), "-", ""),
		Kind:         req.Kind,
		StartedAt:    startedAt,
		Total:        total,
		TotalAll:     totalAll,
		Resumed:      resumed,
		Skipped:      totalAll - total,
		GroupID:      req.GroupID,
		MaxWorkers:   cfg.MaxWorkers,
		BatchSize:    cfg.BatchSize,
		DelaySeconds: cfg.DelaySeconds,
		Status:       domain.RunRunning,
	}
	if err := o.store.StartRun(ctx, run, cp); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}

	pool := worker.NewPool(cfg.MaxWorkers, o.refreshAccount)
	logger := log.With().Str("run_id", run.ID).Str("kind", req.Kind).Str("scope", req.Scope).Logger()
	logger.Info().Int("total", total).Int("total_all", totalAll).Bool("resumed", resumed).
		Int("workers", pool.Size()).Int("batch", cfg.BatchSize).Int("delay", cfg.DelaySeconds).
		Msg("refresh run started")

	sink(StartEvent{
		Type:         "start",
		Total:        total,
		TotalAll:     totalAll,
		DelaySeconds: cfg.DelaySeconds,
		MaxWorkers:   cfg.MaxWorkers,
		BatchSize:    cfg.BatchSize,
		Kind:         req.Kind,
		Resumed:      resumed,
		Skipped:      totalAll - total,
		RunID:        run.ID,
		Scope:        req.Scope,
		GroupID:      req.GroupID,
	})

	summary := &CompleteEvent{Type: "complete", Total: total, RunID: run.ID, FailedList: []FailedAccount{}}
	curDelay := cfg.DelaySeconds
	processed := 0

	for start := 0; start < total; start += cfg.BatchSize {
		batch := accounts[start:min(start+cfg.BatchSize, total)]
		entries := make([]domain.RefreshLogEntry, 0, len(batch))
		hits := 0

		for r := range pool.Run(ctx, batch) {
			out := r.Value
			if r.Err != nil {
				out = Outcome{AccountID: r.Item.ID, Email: r.Item.Email, Error: "refresh error: " + r.Err.Error()}
			}
			entry := domain.RefreshLogEntry{
				AccountID:    out.AccountID,
				AccountEmail: out.Email,
				Kind:         req.Kind,
				Status:       domain.OutcomeSuccess,
				CreatedAt:    o.now(),
			}
			if out.OK {
				summary.SuccessCount++
			} else {
				entry.Status = domain.OutcomeFailed
				entry.Error = out.Error
				summary.FailedCount++
				summary.FailedList = append(summary.FailedList, FailedAccount{ID: out.AccountID, Email: out.Email, Error: out.Error})
				if IsThrottled(out.StatusCode, out.Error) {
					hits++
				}
			}
			entries = append(entries, entry)
			o.metrics.RefreshAttempt(req.Kind, entry.Status)

			processed++
			elapsed := max(1.0, o.now().Sub(startedAt).Seconds())
			ev := ProgressEvent{
				Type:           "progress",
				Email:          out.Email,
				Current:        processed,
				Total:          total,
				SuccessCount:   summary.SuccessCount,
				FailedCount:    summary.FailedCount,
				RatePerMin:     float64(processed) / elapsed * 60,
				ElapsedSeconds: int(elapsed),
				RunID:          run.ID,
			}
			if processed < total {
				eta := int(float64(total-processed) / (float64(processed) / elapsed))
				ev.ETASeconds = &eta
			}
			sink(ev)
		}

		cp.LastID = batch[len(batch)-1].ID
		cp.Processed = totalAll - (total - (start + len(batch)))
		cp.UpdatedAt = o.now()
		if err := o.store.CommitBatch(ctx, entries, cp); err != nil {
			logger.Error().Err(err).Int64("last_id", cp.LastID).Msg("batch commit failed")
			return nil, fmt.Errorf("commit batch: %w", err)
		}

		if hits > 0 {
			o.metrics.ThrottledBatch()
		}
		curDelay = nextDelay(curDelay, cfg.DelaySeconds, o.opts.DelayCeiling, hits)
		o.metrics.PacingDelay(curDelay)
		if curDelay > 0 && start+cfg.BatchSize < total {
			if hits > 0 {
				logger.Warn().Int("throttled", hits).Int("delay", curDelay).Msg("throttling detected, slowing down")
			}
			sink(DelayEvent{Type: "delay", Seconds: curDelay, RunID: run.ID})
			o.sleep(time.Duration(curDelay) * time.Second)
		}
	}

	finishedAt := o.now()
	if total > 0 {
		duration := max(1, int(finishedAt.Sub(startedAt).Seconds()))
		rate := float64(summary.SuccessCount+summary.FailedCount) / float64(duration)
		summary.DurationSeconds = duration
		summary.AvgRate = &rate
	}

	cp.Status = domain.RunCompleted
	cp.UpdatedAt = finishedAt
	cp.FinishedAt = &finishedAt
	cpDuration := max(int64(1), int64(finishedAt.Sub(cp.StartedAt).Seconds()))
	cp.DurationSeconds = &cpDuration
	if cp.Processed > 0 {
		avg := float64(cp.Processed) / float64(cpDuration)
		cp.AvgRate = &avg
	}
	if err := o.store.FinishRun(ctx, run.ID, summary.SuccessCount, summary.FailedCount, finishedAt, cp); err != nil {
		return nil, fmt.Errorf("finish run: %w", err)
	}
	o.metrics.RunCompleted(req.Kind)
	o.metrics.PacingDelay(0)

	logger.Info().Int("success", summary.SuccessCount).Int("failed", summary.FailedCount).
		Int("duration_s", summary.DurationSeconds).Msg("refresh run completed")
	sink(*summary)
	return summary, nil
}

// Wait blocks until no run is in flight or ctx is done. Runs started while
// it waits queue behind it.
func (o *Orchestrator) Wait(ctx context.Context) error {
	if err := o.inflight.Acquire(ctx, maxInflight); err != nil {
		return err
	}
	o.inflight.Release(maxInflight)
	return nil
}

// resumable returns the scope's checkpoint when a run left it running
// recently enough to continue.
func (o *Orchestrator) resumable(ctx context.Context, scope string) (*domain.Checkpoint, error) {
	cp, err := o.store.GetCheckpoint(ctx, scope)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.Status != domain.RunRunning || o.now().Sub(cp.UpdatedAt) > o.opts.ResumeTTL {
		return nil, nil
	}
	return cp, nil
}

func (o *Orchestrator) refreshAccount(ctx context.Context, acc domain.Account) (Outcome, error) {
	out := Outcome{AccountID: acc.ID, Email: acc.Email}
	token, err := o.codec.Decrypt(acc.RefreshToken)
	if err != nil {
		out.Error = "decrypt refresh token: " + err.Error()
		return out, nil
	}
	res := o.validator.Validate(ctx, acc.ClientID, token)
	out.OK, out.Error, out.StatusCode = res.OK, res.Error, res.StatusCode
	return out, nil
}
