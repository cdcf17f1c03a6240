package migrate

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/example/grove-scheduler/internal/db"
)

//go:embed *.sql
var migrations embed.FS

// Migration is one embedded schema file and, once applied, when it ran.
type Migration struct {
	Version   string
	AppliedAt *time.Time
}

func versions() ([]string, error) {
	entries, err := fs.ReadDir(migrations, ".")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func ensureLedger(ctx context.Context, d *db.DB) error {
	return d.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
}

// Status lists every embedded migration in apply order with its applied time, if any.
func Status(ctx context.Context, d *db.DB) ([]Migration, error) {
	if err := ensureLedger(ctx, d); err != nil {
		return nil, err
	}
	files, err := versions()
	if err != nil {
		return nil, err
	}

	rows, err := d.Query(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	applied := map[string]time.Time{}
	for rows.Next() {
		var v string
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, err
		}
		applied[v] = at
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Migration, 0, len(files))
	for _, f := range files {
		m := Migration{Version: f}
		if at, ok := applied[f]; ok {
			m.AppliedAt = &at
		}
		out = append(out, m)
	}
	return out, nil
}

// Up applies pending migrations in order. Each file commits together with its ledger row.
func Up(ctx context.Context, d *db.DB) error {
	pending, err := Status(ctx, d)
	if err != nil {
		return err
	}

	for _, m := range pending {
		if m.AppliedAt != nil {
			continue
		}
		b, err := migrations.ReadFile(m.Version)
		if err != nil {
			return err
		}
		err = d.InTx(ctx, func(tx *db.Tx) error {
			if _, err := tx.Exec(ctx, string(b)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations(version) VALUES ($1)`, m.Version)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply %s: %w", m.Version, err)
		}
		log.Printf("migrate: applied %s", m.Version)
	}
	return nil
}
