package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/example/grove-scheduler/internal/application/usecases"
	"github.com/example/grove-scheduler/internal/domain/reservation"
)

func newReservationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "reservation",
		Aliases: []string{"res"},
		Short:   "Manage reservations (non-UI)",
	}
	cmd.AddCommand(newReservationCreateCmd())
	cmd.AddCommand(newReservationListCmd())
	cmd.AddCommand(idCmd("approve <id>", "Approve a pending reservation and start its payment deadline",
		func(ctx context.Context, a *app, id uuid.UUID, _ []string) (any, error) {
			return a.lifecycle.Approve(ctx, id, actorFlag)
		}))
	cmd.AddCommand(idCmd("show <id>", "Print a reservation with its urgency tier",
		func(ctx context.Context, a *app, id uuid.UUID, _ []string) (any, error) {
			return a.admin.Get(ctx, id)
		}))
	cmd.AddCommand(idCmd("cancel <id> [note]", "Cancel an open reservation and release its trees",
		func(ctx context.Context, a *app, id uuid.UUID, rest []string) (any, error) {
			return a.lifecycle.Cancel(ctx, id, actorFlag, strings.Join(rest, " "))
		}))
	cmd.AddCommand(idCmd("followup <id> <note>", "Record a manual follow-up",
		func(ctx context.Context, a *app, id uuid.UUID, rest []string) (any, error) {
			return a.admin.RecordManualFollowUp(ctx, id, strings.Join(rest, " "), actorFlag)
		}))
	cmd.AddCommand(idCmd("events <id>", "Print the follow-up ledger and its summary",
		func(ctx context.Context, a *app, id uuid.UUID, _ []string) (any, error) {
			evs, sum, err := a.admin.FollowUps(ctx, id)
			if err != nil {
				return nil, err
			}
			return map[string]any{"events": evs, "summary": sum}, nil
		}))
	cmd.AddCommand(idCmd("submitted <id> <ref>", "Record a gateway payment submission",
		func(ctx context.Context, a *app, id uuid.UUID, rest []string) (any, error) {
			return a.lifecycle.MarkSubmitted(ctx, id, strings.Join(rest, " "))
		}))
	cmd.AddCommand(idCmd("paid <id> <transaction-id> <amount>", "Record a confirmed payment",
		func(ctx context.Context, a *app, id uuid.UUID, rest []string) (any, error) {
			if len(rest) != 2 {
				return nil, fmt.Errorf("usage: paid <id> <transaction-id> <amount>")
			}
			amount, err := decimal.NewFromString(rest[1])
			if err != nil {
				return nil, fmt.Errorf("invalid amount: %w", err)
			}
			return a.lifecycle.MarkPaid(ctx, id, rest[0], amount)
		}))
	cmd.AddCommand(idCmd("harvest <id>", "Hand a paid reservation over to harvest",
		func(ctx context.Context, a *app, id uuid.UUID, _ []string) (any, error) {
			return a.lifecycle.TransferToHarvest(ctx, id, actorFlag)
		}))
	return cmd
}

// idCmd builds a subcommand taking a reservation id followed by optional arguments.
func idCmd(use, short string, fn func(ctx context.Context, a *app, id uuid.UUID, rest []string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid reservation id: %w", err)
			}
			ctx := context.Background()
			a, err := openApp(ctx, true, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := fn(ctx, a, id, args[1:])
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func newReservationCreateCmd() *cobra.Command {
	var (
		farm     string
		name     string
		phone    string
		email    string
		pathType string
		trees    int
		amount   string
		approve  bool
	)

	c := &cobra.Command{
		Use:   "create",
		Short: "Create a pending reservation (booking flow hand-over)",
		RunE: func(cmd *cobra.Command, args []string) error {
			farmID, err := uuid.Parse(farm)
			if err != nil {
				return fmt.Errorf("invalid --farm: %w", err)
			}
			total, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid --amount: %w", err)
			}
			pt, err := reservation.ParsePathType(pathType)
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := openApp(ctx, true, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			r, err := a.lifecycle.Create(ctx, usecases.CreateRequest{
				FarmID:      farmID,
				Contact:     reservation.Contact{Name: name, Phone: phone, Email: email},
				PathType:    pt,
				TreesCount:  trees,
				TotalAmount: total,
			})
			if err != nil {
				return err
			}
			if approve {
				if r, err = a.lifecycle.Approve(ctx, r.ID, actorFlag); err != nil {
					return err
				}
			}
			return printJSON(r)
		},
	}

	farmFlag(c, &farm)
	c.Flags().StringVar(&name, "name", "", "contact name")
	c.Flags().StringVar(&phone, "phone", "", "contact phone")
	c.Flags().StringVar(&email, "email", "", "contact email")
	c.Flags().StringVar(&pathType, "path", string(reservation.PathAgricultural), "agricultural or investment")
	c.Flags().IntVar(&trees, "trees", 1, "number of trees")
	c.Flags().StringVar(&amount, "amount", "", "total amount, e.g. 1250.00")
	c.Flags().BoolVar(&approve, "approve", false, "approve immediately")
	_ = c.MarkFlagRequired("amount")
	return c
}

func newReservationListCmd() *cobra.Command {
	var (
		farm   string
		status string
		limit  int
	)

	c := &cobra.Command{
		Use:   "list",
		Short: "List reservations with their urgency tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			var f reservation.Filter
			if farm != "" {
				farmID, err := uuid.Parse(farm)
				if err != nil {
					return fmt.Errorf("invalid --farm: %w", err)
				}
				f.FarmID = &farmID
			}
			for _, s := range strings.Split(status, ",") {
				if s = strings.TrimSpace(s); s == "" {
					continue
				}
				st, err := reservation.ParseStatus(s)
				if err != nil {
					return err
				}
				f.Status = append(f.Status, st)
			}
			f.Limit = limit

			ctx := context.Background()
			a, err := openApp(ctx, true, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			rs, err := a.admin.List(ctx, f)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tFARM\tSTATUS\tTREES\tAMOUNT\tDEADLINE\tTIER")
			for _, r := range rs {
				deadline := "-"
				if r.PaymentDeadline != nil {
					deadline = r.PaymentDeadline.Format("2006-01-02 15:04")
				}
				tier := string(r.Tier)
				if tier == "" {
					tier = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n", r.ID, r.FarmID, r.Status, r.TreesCount, r.TotalAmount.StringFixed(2), deadline, tier)
			}
			return tw.Flush()
		},
	}

	c.Flags().StringVar(&farm, "farm", "", "filter by farm id")
	c.Flags().StringVar(&status, "status", "", "comma separated statuses")
	c.Flags().IntVar(&limit, "limit", 100, "max rows")
	return c
}
