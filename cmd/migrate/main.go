package main

import (
	"context"
	"fmt"
	"os"

	"PerpCustody/internal/config"
	"PerpCustody/internal/observability"
	"PerpCustody/internal/persistence"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down>")
		fmt.Println("  up   - apply all pending migrations")
		fmt.Println("  down - roll back the last migration")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  PERP_POSTGRES_DSN             - Postgres connection string")
		fmt.Println("  PERP_POSTGRES_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	// Only the postgres section matters here, so the rest of the config is
	// not loaded or validated.
	_ = godotenv.Load()
	pg := config.Defaults().Postgres
	if err := envconfig.Process(config.EnvPrefix+"_POSTGRES", &pg); err != nil {
		logger.Fatal().Err(err).Msg("read environment")
	}

	db, err := sqlx.Open("postgres", pg.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, pg.MigrationsDir)

	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Int("applied", n).Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up' or 'down')\n", os.Args[1])
		os.Exit(1)
	}
}
