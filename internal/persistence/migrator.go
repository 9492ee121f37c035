package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"PerpCustody/internal/observability"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// Migrator runs SQL migration files in order.
// Compatible with golang-migrate file naming: {version}_{name}.up.sql / .down.sql
type Migrator struct {
	db            *sqlx.DB
	migrationsDir string
	logger        zerolog.Logger
}

func NewMigrator(db *sqlx.DB, migrationsDir string) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir, logger: observability.NewLogger("migrator")}
}

// Up applies all pending up-migrations in order and returns how many ran.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return 0, fmt.Errorf("ensure migration table: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return 0, fmt.Errorf("get applied versions: %w", err)
	}

	files, err := ListMigrationFiles(m.migrationsDir, ".up.sql")
	if err != nil {
		return 0, fmt.Errorf("list migrations: %w", err)
	}

	ran := 0
	for _, f := range files {
		version := ExtractVersion(f)
		if applied[version] {
			continue
		}
		content, err := os.ReadFile(filepath.Join(m.migrationsDir, f))
		if err != nil {
			return ran, fmt.Errorf("read migration %s: %w", f, err)
		}

		err = m.inTx(ctx, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, string(content)); err != nil {
				return fmt.Errorf("exec migration %s: %w", f, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
				version, f,
			); err != nil {
				return fmt.Errorf("record migration %s: %w", f, err)
			}
			return nil
		})
		if err != nil {
			return ran, err
		}
		ran++
		m.logger.Info().Str("file", f).Msg("applied migration")
	}
	return ran, nil
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}

	var last struct {
		Version  string `db:"version"`
		Filename string `db:"filename"`
	}
	err := m.db.GetContext(ctx, &last,
		`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get latest migration: %w", err)
	}

	downFile := strings.Replace(last.Filename, ".up.sql", ".down.sql", 1)
	content, err := os.ReadFile(filepath.Join(m.migrationsDir, downFile))
	if err != nil {
		return fmt.Errorf("read down migration %s: %w", downFile, err)
	}

	err = m.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec down migration %s: %w", downFile, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM public.schema_migrations WHERE version = $1`, last.Version); err != nil {
			return fmt.Errorf("remove migration record %s: %w", last.Version, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info().Str("file", downFile).Msg("rolled back migration")
	return nil
}

func (m *Migrator) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	var versions []string
	if err := m.db.SelectContext(ctx, &versions, `SELECT version FROM public.schema_migrations`); err != nil {
		return nil, err
	}
	applied := make(map[string]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

// ListMigrationFiles returns the names in dir ending in suffix, sorted.
func ListMigrationFiles(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// ExtractVersion returns the numeric prefix of a migration filename,
// e.g. "000001_event_log.up.sql" gives "000001".
func ExtractVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
