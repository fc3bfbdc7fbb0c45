package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"mailpool/internal/domain"
	"mailpool/internal/refresh"
	"mailpool/internal/store"
)

const DefaultCron = "0 2 * * *"

type Refresher interface {
	RefreshAll(ctx context.Context, kind string, resume bool, sink refresh.Sink) (*refresh.CompleteEvent, error)
}

type Config struct {
	Cron string
	// UseCron runs on every cron fire. Otherwise a fire only refreshes once
	// IntervalDays have passed since the last scheduled refresh.
	UseCron      bool
	IntervalDays int
	Heartbeat    time.Duration
}

type Service struct {
	lock      *Lock
	refresher Refresher
	store     *store.Store
	cfg       Config
	cron      *cron.Cron
	stop      chan struct{}
	now       func() time.Time
}

func NewService(lock *Lock, refresher Refresher, st *store.Store, cfg Config) *Service {
	if cfg.Cron == "" {
		cfg.Cron = DefaultCron
	}
	if cfg.IntervalDays <= 0 {
		cfg.IntervalDays = 30
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = time.Minute
	}
	logger := log.With().Str("component", "cron").Logger()
	return &Service{
		lock:      lock,
		refresher: refresher,
		store:     st,
		cfg:       cfg,
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(&logger)))),
		stop:      make(chan struct{}),
		now:       time.Now,
	}
}

// Start registers the refresh and heartbeat jobs and blocks until ctx is
// done or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	// a started run outlives ctx; Start waits for it on the way out
	if _, err := s.cron.AddFunc(s.cfg.Cron, func() { s.fire(context.WithoutCancel(ctx)) }); err != nil {
		return fmt.Errorf("schedule refresh %q: %w", s.cfg.Cron, err)
	}
	s.cron.Schedule(cron.Every(s.cfg.Heartbeat), cron.FuncJob(func() {
		if err := s.lock.Heartbeat(ctx); err != nil {
			log.Error().Err(err).Msg("scheduler lock heartbeat failed")
		}
	}))

	if ok, err := s.lock.TryAcquire(ctx); err != nil {
		log.Error().Err(err).Msg("failed to acquire scheduler lock")
	} else if !ok {
		log.Info().Msg("scheduler lock held elsewhere, will retry on each fire")
	}

	s.cron.Start()
	next, _ := NextRunTime(s.cfg.Cron, s.now())
	log.Info().Str("cron", s.cfg.Cron).Bool("use_cron", s.cfg.UseCron).Int("interval_days", s.cfg.IntervalDays).
		Time("next_run", next).Msg("schedule service started")

	select {
	case <-ctx.Done():
	case <-s.stop:
	}
	<-s.cron.Stop().Done()
	return nil
}

func (s *Service) Stop() {
	close(s.stop)
}

func (s *Service) fire(ctx context.Context) {
	sum, ran, err := s.RunOnce(ctx, false)
	switch {
	case err != nil:
		log.Error().Err(err).Msg("scheduled refresh failed")
	case ran:
		log.Info().Str("run_id", sum.RunID).Int("total", sum.Total).Int("success", sum.SuccessCount).
			Int("failed", sum.FailedCount).Msg("scheduled refresh finished")
	}
}

// RunOnce performs one scheduled trigger. It reports ran=false when this
// instance does not hold the lock or the interval has not elapsed.
func (s *Service) RunOnce(ctx context.Context, force bool) (*refresh.CompleteEvent, bool, error) {
	ok, err := s.lock.TryAcquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire scheduler lock: %w", err)
	}
	if !ok {
		log.Debug().Msg("not the scheduler lock holder, skipping")
		return nil, false, nil
	}
	if !s.cfg.UseCron && !force {
		due, next, err := CheckDue(ctx, s.store, s.cfg.IntervalDays, s.now())
		if err != nil {
			return nil, false, err
		}
		if !due {
			log.Info().Int("interval_days", s.cfg.IntervalDays).Time("next_refresh", next).
				Msg("refresh interval not reached, skipping")
			return nil, false, nil
		}
	}
	sum, err := s.refresher.RefreshAll(ctx, domain.KindScheduled, true, nil)
	if err != nil {
		return nil, false, err
	}
	return sum, true, nil
}

// CheckDue reports whether intervalDays have passed since the last scheduled
// refresh, and when the next one becomes due.
func CheckDue(ctx context.Context, st *store.Store, intervalDays int, now time.Time) (bool, time.Time, error) {
	last, err := st.LastRefreshAt(ctx, domain.KindScheduled)
	if err != nil {
		return false, time.Time{}, err
	}
	if last == nil {
		return true, now, nil
	}
	next := last.AddDate(0, 0, intervalDays)
	return !now.Before(next), next, nil
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}

// NextRunTimes lists the next n run times after from.
func NextRunTimes(expr string, from time.Time, n int) ([]time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	for t := from; len(out) < n; {
		t = cronSchedule.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}
