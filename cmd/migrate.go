package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/grove-scheduler/internal/config"
	"github.com/example/grove-scheduler/internal/db"
	"github.com/example/grove-scheduler/internal/migrate"
)

func newMigrateCmd() *cobra.Command {
	var status bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != config.DriverPostgres {
				fmt.Fprintf(os.Stdout, "store driver %s migrates itself on open; nothing to do\n", cfg.StoreDriver)
				return nil
			}
			ctx := context.Background()
			d, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer d.Close()

			if status {
				ms, err := migrate.Status(ctx, d)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tAPPLIED")
				for _, m := range ms {
					applied := "pending"
					if m.AppliedAt != nil {
						applied = m.AppliedAt.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%s\t%s\n", m.Version, applied)
				}
				return w.Flush()
			}

			if err := migrate.Up(ctx, d); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "migrations applied")
			return nil
		},
	}

	cmd.Flags().BoolVar(&status, "status", false, "list migrations and whether each has been applied")
	return cmd
}
