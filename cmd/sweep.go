package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one reminder or expiration pass (for cron-style scheduling)",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reminders",
		Short: "Send reminders for deadlines that escalated since the last reminder",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, true, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.sweeps.RunReminderSweep(ctx)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "expirations",
		Short: "Cancel reservations whose payment deadline elapsed and release their trees",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, true, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.sweeps.RunExpirationSweep(ctx)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	})
	return cmd
}
