package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/example/grove-scheduler/internal/application/scheduler"
	"github.com/example/grove-scheduler/internal/application/usecases"
	"github.com/example/grove-scheduler/internal/catalog"
	"github.com/example/grove-scheduler/internal/config"
	"github.com/example/grove-scheduler/internal/db"
	"github.com/example/grove-scheduler/internal/dispatch"
	"github.com/example/grove-scheduler/internal/domain/reservation"
	"github.com/example/grove-scheduler/internal/domain/user"
	"github.com/example/grove-scheduler/internal/infrastructure/memstore"
	"github.com/example/grove-scheduler/internal/infrastructure/notify"
	"github.com/example/grove-scheduler/internal/infrastructure/postgres"
	"github.com/example/grove-scheduler/internal/infrastructure/sqlite"
	"github.com/example/grove-scheduler/internal/migrate"
)

// app is everything a command needs, wired from the configured store driver.
type app struct {
	cfg   config.Config
	repo  reservation.Repository
	users user.Repository
	pool  *dispatch.Pool

	lifecycle usecases.Lifecycle
	admin     usecases.Admin
	auth      usecases.AuthService
	sweeps    scheduler.Runner

	closers []func()
}

func (a *app) Close() {
	// drain collaborator work before the store goes away
	if a.pool != nil {
		a.pool.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func openApp(ctx context.Context, migrateUp bool, messenger reservation.Messenger) (*app, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		d, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, d.Close)
		if err := d.Ping(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("db ping: %w", err)
		}
		if migrateUp {
			if err := migrate.Up(ctx, d); err != nil {
				a.Close()
				return nil, err
			}
		}
		a.repo = postgres.NewStore(d)
		a.users = postgres.NewUserRepo(d)
	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		a.repo = s
		a.users = s
	default:
		log.Printf("store: using in-memory store, nothing survives a restart")
		s := memstore.New()
		a.repo = s
		a.users = s
	}

	var inventory reservation.Inventory = catalog.LogInventory{}
	if cfg.CatalogURL != "" {
		inventory = catalog.New(cfg.CatalogURL, cfg.CatalogToken)
	}
	if messenger == nil {
		messenger = notify.LogMessenger{}
	}
	a.pool = dispatch.NewPool(cfg.DispatchWorkers, cfg.DispatchQueue)
	clock := reservation.SystemClock{}

	a.lifecycle = usecases.Lifecycle{Repo: a.repo, Clock: clock, Inventory: inventory, Handoff: a.pool}
	a.admin = usecases.Admin{Repo: a.repo, Clock: clock}
	a.auth = usecases.AuthService{Users: a.users}
	a.sweeps = scheduler.Runner{
		Repo:            a.repo,
		Clock:           clock,
		Messenger:       messenger,
		Inventory:       inventory,
		Handoff:         a.pool,
		MinTier:         cfg.ReminderMinTier,
		ImmediateBuffer: cfg.ImmediateBuffer,
	}
	return a, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
