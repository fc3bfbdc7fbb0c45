package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"mailpool/internal/api"
	"mailpool/internal/scheduler"
)

const drainTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled refresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(a, a.cfg.EnableScheduler && !noScheduler)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not take part in scheduled refreshes")
	return cmd
}

func serve(a *app, withScheduler bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	schedDone := make(chan struct{})
	if withScheduler {
		svc := scheduler.NewService(a.lock, a.refresh, a.store, scheduler.Config{
			Cron:         a.cfg.ScheduleCron,
			UseCron:      a.cfg.UseCronSchedule,
			IntervalDays: a.cfg.RefreshIntervalDays,
			Heartbeat:    a.cfg.SchedulerLockHeartbeat,
		})
		go func() {
			defer close(schedDone)
			if err := svc.Start(ctx); err != nil {
				log.Error().Err(err).Msg("schedule service")
			}
		}()
	} else {
		close(schedDone)
		log.Info().Msg("scheduler disabled")
	}

	handler := api.NewServer(a.store, a.leases, a.refresh, a.lock, a.codec, a.metrics, api.Options{
		SecretKey:    a.cfg.SecretKey,
		AdminToken:   a.cfg.AdminToken,
		RateLimit:    a.cfg.ExternalRateLimit,
		RateBurst:    a.cfg.ExternalRateBurst,
		UseCron:      a.cfg.UseCronSchedule,
		IntervalDays: a.cfg.RefreshIntervalDays,
		LogRetention: a.cfg.RefreshLogRetention,
	})
	srv := &http.Server{Addr: a.cfg.HTTPAddr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", a.cfg.HTTPAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	err := srv.Shutdown(ctxTimeout)

	// let the scheduler and detached runs finish before the store closes
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	select {
	case <-schedDone:
	case <-drainCtx.Done():
	}
	if werr := a.refresh.Wait(drainCtx); werr != nil {
		log.Warn().Dur("waited", drainTimeout).Msg("refresh runs still in flight, exiting; they resume from the last checkpoint")
	}
	return err
}
