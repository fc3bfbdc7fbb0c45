package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mailpool/internal/config"
	"mailpool/internal/lease"
	"mailpool/internal/metrics"
	"mailpool/internal/refresh"
	"mailpool/internal/scheduler"
	"mailpool/internal/secret"
	"mailpool/internal/store"
	"mailpool/internal/validator"
)

// app is the wired set of components shared by the subcommands.
type app struct {
	cfg     *config.Config
	store   *store.Store
	metrics *metrics.Metrics
	codec   *secret.Codec
	refresh *refresh.Orchestrator
	leases  *lease.Manager
	lock    *scheduler.Lock
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	codec, err := secret.NewCodec(cfg.SecretKey)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	m := metrics.New()
	v := validator.New(validator.Config{
		TokenURL: cfg.TokenURL,
		Scopes:   cfg.TokenScopes,
		Retries:  cfg.RefreshBackoffRetries,
		Base:     cfg.RefreshBackoffBase,
		Max:      cfg.RefreshBackoffMax,
	})
	orch := refresh.New(st, v, codec, m, refresh.Options{
		Defaults: refresh.Settings{
			MaxWorkers:   cfg.RefreshMaxWorkers,
			BatchSize:    cfg.RefreshBatchSize,
			DelaySeconds: cfg.RefreshDelaySeconds,
		},
		ResumeTTL:    cfg.RefreshResumeTTL,
		LogRetention: cfg.RefreshLogRetention,
	})

	return &app{
		cfg:     cfg,
		store:   st,
		metrics: m,
		codec:   codec,
		refresh: orch,
		leases:  lease.NewManager(st, st, m),
		lock:    scheduler.NewLock(st, cfg.SchedulerLockTTL, m),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Error().Err(err).Msg("close store")
	}
}

func setupLogging(level, format string) {
	zerolog.TimeFieldFormat = time.RFC3339
	if format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
