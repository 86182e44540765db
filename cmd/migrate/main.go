package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"PerpClearing/internal/observability"
	"PerpClearing/internal/persistence"
	"PerpClearing/migrations"

	_ "github.com/lib/pq"
)

const usage = `Usage: migrate <up|down|status>
  up     - apply all pending migrations
  down   - roll back the newest applied migration
  status - list pending migrations

Environment:
  PERP_POSTGRES_URL    - Postgres connection string
  PERP_MIGRATIONS_DIR  - read migrations from this directory instead of the built-in set
`

func main() {
	if len(os.Args) != 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	logger := observability.NewLogger("migrate")

	pgURL := os.Getenv("PERP_POSTGRES_URL")
	if pgURL == "" {
		pgURL = "postgres://localhost:5432/perpclearing?sslmode=disable"
	}
	var src fs.FS = migrations.FS
	if dir := os.Getenv("PERP_MIGRATIONS_DIR"); dir != "" {
		src = os.DirFS(dir)
	}

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	migrator := persistence.NewMigrator(db, src, logger)

	switch os.Args[1] {
	case "up":
		err = migrator.Up(ctx)
	case "down":
		err = migrator.Down(ctx)
	case "status":
		var pending []persistence.Migration
		if pending, err = migrator.Pending(ctx); err == nil {
			if len(pending) == 0 {
				fmt.Println("up to date")
			}
			for _, m := range pending {
				fmt.Printf("pending: %s_%s\n", m.Version, m.Name)
			}
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal().Err(err).Str("command", os.Args[1]).Msg("migrate failed")
	}
}
