package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/grove-scheduler/internal/auth"
	"github.com/example/grove-scheduler/internal/infrastructure/notify"
	"github.com/example/grove-scheduler/internal/scheduler"
	"github.com/example/grove-scheduler/internal/web"
)

func newServerCmd() *cobra.Command {
	var (
		migrateUp bool
		noSweeps  bool
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the admin/callback API and the reminder and expiration sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			hub := notify.NewHub()
			a, err := openApp(ctx, migrateUp, hub)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.cfg.RequireServer(); err != nil {
				return err
			}

			// scheduler
			var sweeps func(context.Context) error
			if !noSweeps {
				s := &scheduler.Scheduler{
					Runner:             a.sweeps,
					ReminderInterval:   a.cfg.ReminderInterval,
					ExpirationInterval: a.cfg.ExpirationInterval,
				}
				sweeps = s.Run
			}

			// web
			ws := &web.Server{
				Auth:      auth.NewStore(a.cfg.CookieHashKey, a.cfg.CookieBlockKey),
				Gateway:   auth.Gateway{Secret: a.cfg.GatewaySecret},
				Users:     a.auth,
				Lifecycle: a.lifecycle,
				Admin:     a.admin,
				Sweeps:    a.sweeps,
				Hub:       hub,
			}
			return runServer(ctx, sweeps, func(ctx context.Context) error {
				return web.Start(ctx, a.cfg.ListenAddr, ws.Routes())
			})
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().BoolVar(&noSweeps, "no-sweeps", false, "serve the API only; sweeps are triggered externally")

	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}

// runServer serves until ctx ends or serve fails, then stops the sweeps and waits for the
// pass in flight, so the store and the dispatch pool outlive every sweep.
func runServer(ctx context.Context, sweeps, serve func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if sweeps != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sweeps(ctx)
		}()
	}
	err := serve(ctx)
	cancel()
	wg.Wait()
	return err
}
