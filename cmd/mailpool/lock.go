package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mailpool/internal/store"
)

func newLockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Show which instance holds the scheduler lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			row, err := a.store.SchedulerLock(cmd.Context())
			if errors.Is(err, store.ErrNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), "scheduler lock was never taken")
				return nil
			}
			if err != nil {
				return err
			}
			age := time.Since(row.HeartbeatAt)
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"owner":        row.Owner,
				"heartbeat_at": row.HeartbeatAt,
				"age_seconds":  int(age.Seconds()),
				"stale":        age >= a.cfg.SchedulerLockTTL,
			})
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mailpool version %s\n", version)
		},
	}
}
