package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/example/grove-scheduler/internal/application/usecases"
	"github.com/example/grove-scheduler/internal/domain/reservation"
)

func newFarmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "farm",
		Short: "Farm payment policies",
	}
	policy := &cobra.Command{
		Use:   "policy",
		Short: "Show, set, toggle or audit a farm's payment policy",
	}
	policy.AddCommand(newFarmPolicyShowCmd())
	policy.AddCommand(newFarmPolicySetCmd())
	policy.AddCommand(newFarmPolicyToggleCmd())
	policy.AddCommand(newFarmPolicyHistoryCmd())
	cmd.AddCommand(policy)
	return cmd
}

func farmFlag(c *cobra.Command, farm *string) {
	c.Flags().StringVar(farm, "farm", "", "farm id (uuid)")
	_ = c.MarkFlagRequired("farm")
}

func newFarmPolicyShowCmd() *cobra.Command {
	var farm string
	c := &cobra.Command{
		Use:   "show",
		Short: "Print the farm's current payment policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			farmID, err := uuid.Parse(farm)
			if err != nil {
				return fmt.Errorf("invalid --farm: %w", err)
			}
			ctx := context.Background()
			a, err := openApp(ctx, true, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.admin.Policy(ctx, farmID)
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	}
	farmFlag(c, &farm)
	return c
}

func newFarmPolicySetCmd() *cobra.Command {
	var (
		farm      string
		mode      string
		graceDays int
		reason    string
	)
	c := &cobra.Command{
		Use:   "set",
		Short: "Onboard a farm with its initial payment policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			farmID, err := uuid.Parse(farm)
			if err != nil {
				return fmt.Errorf("invalid --farm: %w", err)
			}
			m, err := reservation.ParsePaymentMode(mode)
			if err != nil {
				return err
			}
			if m == reservation.ModeImmediate {
				graceDays = 0
			}
			ctx := context.Background()
			a, err := openApp(ctx, true, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.admin.OnboardFarm(ctx, reservation.FarmPaymentPolicy{
				FarmID: farmID, Mode: m, GraceDays: graceDays, UpdatedBy: actorFlag, Reason: reason,
			})
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	}
	farmFlag(c, &farm)
	c.Flags().StringVar(&mode, "mode", string(reservation.ModeFlexible), "flexible or immediate")
	c.Flags().IntVar(&graceDays, "grace-days", reservation.DefaultGraceDays, "grace period in days (flexible only)")
	c.Flags().StringVar(&reason, "reason", "onboarding", "reason recorded with the policy")
	return c
}

func newFarmPolicyToggleCmd() *cobra.Command {
	var (
		farm      string
		mode      string
		graceDays int
		reason    string
	)
	c := &cobra.Command{
		Use:   "toggle",
		Short: "Switch the farm's payment mode and recompute every open deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			farmID, err := uuid.Parse(farm)
			if err != nil {
				return fmt.Errorf("invalid --farm: %w", err)
			}
			m, err := reservation.ParsePaymentMode(mode)
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := openApp(ctx, true, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.admin.ToggleFarmPaymentMode(ctx, usecases.ToggleRequest{
				FarmID: farmID, Mode: m, GraceDays: graceDays, Reason: reason, Actor: actorFlag,
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	farmFlag(c, &farm)
	c.Flags().StringVar(&mode, "mode", "", "flexible or immediate")
	c.Flags().IntVar(&graceDays, "grace-days", 0, "grace period in days (required for flexible)")
	c.Flags().StringVar(&reason, "reason", "", "why the policy changes")
	_ = c.MarkFlagRequired("mode")
	_ = c.MarkFlagRequired("reason")
	return c
}

func newFarmPolicyHistoryCmd() *cobra.Command {
	var farm string
	c := &cobra.Command{
		Use:   "history",
		Short: "List the farm's payment policy changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			farmID, err := uuid.Parse(farm)
			if err != nil {
				return fmt.Errorf("invalid --farm: %w", err)
			}
			ctx := context.Background()
			a, err := openApp(ctx, true, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			hs, err := a.admin.PolicyHistory(ctx, farmID)
			if err != nil {
				return err
			}
			for _, h := range hs {
				fmt.Fprintf(os.Stdout, "%s\t%s(%d) -> %s(%d)\t%d affected\t%s\t%s\n",
					h.At.Format("2006-01-02 15:04:05"), h.PrevMode, h.PrevGraceDays, h.Mode, h.GraceDays, h.Affected, h.Actor, h.Reason)
			}
			return nil
		},
	}
	farmFlag(c, &farm)
	return c
}
