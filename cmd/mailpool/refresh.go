package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mailpool/internal/domain"
	"mailpool/internal/refresh"
)

func newRefreshCmd() *cobra.Command {
	var (
		kind    string
		groupID int64
		resume  bool
	)
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run one refresh and print its events as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			enc := json.NewEncoder(cmd.OutOrStdout())
			sink := func(e refresh.Event) { _ = enc.Encode(e) }

			switch {
			case groupID > 0:
				_, err = a.refresh.RefreshGroup(ctx, groupID, resume, sink)
			case kind == domain.KindRetry:
				_, err = a.refresh.RefreshFailed(ctx, sink)
			case kind == domain.KindManual || kind == domain.KindScheduled:
				_, err = a.refresh.RefreshAll(ctx, kind, resume, sink)
			default:
				return fmt.Errorf("unknown kind %q", kind)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&kind, "kind", domain.KindManual, "manual, scheduled or retry")
	cmd.Flags().Int64Var(&groupID, "group", 0, "refresh only this group")
	cmd.Flags().BoolVar(&resume, "resume", false, "continue from the last unfinished checkpoint")
	return cmd
}
