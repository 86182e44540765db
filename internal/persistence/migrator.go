package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLock is the advisory lock key held while migrating, so two
// daemons starting together do not apply the same file twice.
const migrationLock = 0x70657270 // "perp"

var ErrMigrationDrift = errors.New("persistence: applied migration was modified")

// Migration is one {version}_{name}.up.sql file and its optional down file.
type Migration struct {
	Version  string
	Name     string
	Up       string
	Down     string
	Checksum string // sha256 of Up
}

// Migrator applies the migrations found in a file system, usually
// migrations.FS.
type Migrator struct {
	db     *sql.DB
	fsys   fs.FS
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, fsys fs.FS, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, fsys: fsys, logger: logger}
}

// LoadMigrations reads every up file in fsys, ordered by version.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	ups, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(ups)

	out := make([]Migration, 0, len(ups))
	for _, f := range ups {
		version, name, ok := strings.Cut(strings.TrimSuffix(f, ".up.sql"), "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: want {version}_{name}.up.sql", f)
		}
		up, err := fs.ReadFile(fsys, f)
		if err != nil {
			return nil, err
		}
		m := Migration{Version: version, Name: name, Up: string(up)}
		sum := sha256.Sum256(up)
		m.Checksum = hex.EncodeToString(sum[:])
		if down, err := fs.ReadFile(fsys, strings.TrimSuffix(f, ".up.sql")+".down.sql"); err == nil {
			m.Down = string(down)
		}
		if len(out) > 0 && out[len(out)-1].Version == version {
			return nil, fmt.Errorf("migration version %s used twice", version)
		}
		out = append(out, m)
	}
	return out, nil
}

// Up applies all pending migrations, each in its own transaction. An applied
// migration whose file changed since is reported as ErrMigrationDrift.
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		all, applied, err := m.state(ctx, conn)
		if err != nil {
			return err
		}
		for _, mig := range all {
			if sum, ok := applied[mig.Version]; ok {
				if sum != mig.Checksum {
					return fmt.Errorf("%w: %s_%s", ErrMigrationDrift, mig.Version, mig.Name)
				}
				continue
			}
			if err := m.exec(ctx, conn, mig.Up, `
				INSERT INTO public.schema_migrations (version, name, checksum) VALUES ($1, $2, $3)
			`, mig.Version, mig.Name, mig.Checksum); err != nil {
				return fmt.Errorf("apply %s_%s: %w", mig.Version, mig.Name, err)
			}
			m.logger.Info().Str("version", mig.Version).Str("name", mig.Name).Msg("applied migration")
		}
		return nil
	})
}

// Down rolls back the newest applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		all, applied, err := m.state(ctx, conn)
		if err != nil {
			return err
		}
		for i := len(all) - 1; i >= 0; i-- {
			mig := all[i]
			if _, ok := applied[mig.Version]; !ok {
				continue
			}
			if mig.Down == "" {
				return fmt.Errorf("migration %s_%s has no down file", mig.Version, mig.Name)
			}
			if err := m.exec(ctx, conn, mig.Down,
				`DELETE FROM public.schema_migrations WHERE version = $1`, mig.Version,
			); err != nil {
				return fmt.Errorf("roll back %s_%s: %w", mig.Version, mig.Name, err)
			}
			m.logger.Info().Str("version", mig.Version).Str("name", mig.Name).Msg("rolled back migration")
			return nil
		}
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	})
}

// Pending lists migrations not yet applied, in apply order.
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	var pending []Migration
	err := m.locked(ctx, func(conn *sql.Conn) error {
		all, applied, err := m.state(ctx, conn)
		if err != nil {
			return err
		}
		for _, mig := range all {
			if _, ok := applied[mig.Version]; !ok {
				pending = append(pending, mig)
			}
		}
		return nil
	})
	return pending, err
}

func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLock); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLock)

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("migration table: %w", err)
	}
	return fn(conn)
}

// state returns the known migrations and the checksums of applied ones.
func (m *Migrator) state(ctx context.Context, conn *sql.Conn) ([]Migration, map[string]string, error) {
	all, err := LoadMigrations(m.fsys)
	if err != nil {
		return nil, nil, err
	}
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM public.schema_migrations`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var v, sum string
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, nil, err
		}
		applied[v] = sum
	}
	return all, applied, rows.Err()
}

// exec runs a migration body and its bookkeeping statement atomically.
func (m *Migrator) exec(ctx context.Context, conn *sql.Conn, body, record string, args ...any) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return err
	}
	return tx.Commit()
}
