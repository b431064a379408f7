package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/caarlos0/env/v10"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quizarena/live/db/migrations"
	"github.com/quizarena/live/internal/config"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("migrator failed")
	}
}

func newRootCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:           "migrator",
		Short:         "Apply the durable store schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "read migrations from this directory instead of the embedded set")

	run := func(name string, fn func(ctx context.Context, db *sql.DB, dir string) error) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: "goose " + name,
			RunE: func(cmd *cobra.Command, _ []string) error {
				db, err := open(cmd.Context())
				if err != nil {
					return err
				}
				defer db.Close()

				if dir == "" {
					goose.SetBaseFS(migrations.FS)
					return fn(cmd.Context(), db, ".")
				}
				goose.SetBaseFS(nil)
				return fn(cmd.Context(), db, dir)
			},
		}
	}

	cmd.AddCommand(
		run("up", func(ctx context.Context, db *sql.DB, dir string) error {
			if err := goose.UpContext(ctx, db, dir); err != nil {
				return fmt.Errorf("migrations up: %w", err)
			}
			log.Info().Msg("migrations applied successfully")
			return nil
		}),
		run("down", func(ctx context.Context, db *sql.DB, dir string) error {
			if err := goose.DownContext(ctx, db, dir); err != nil {
				return fmt.Errorf("migrations down: %w", err)
			}
			log.Info().Msg("migration rolled back successfully")
			return nil
		}),
		run("status", func(ctx context.Context, db *sql.DB, dir string) error {
			return goose.StatusContext(ctx, db, dir)
		}),
	)
	return cmd
}

// open connects with the same PG_* variables the API uses.
func open(ctx context.Context) (*sql.DB, error) {
	var pg config.Postgres
	if err := env.Parse(&pg); err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if pg.Host == "" || pg.User == "" || pg.Database == "" {
		return nil, fmt.Errorf("PG_HOST, PG_USER and PG_DATABASE are required")
	}

	db, err := sql.Open("pgx", pg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, err
	}
	goose.SetTableName("goose_db_version")

	log.Info().
		Str("host", pg.Host).
		Int("port", pg.Port).
		Str("database", pg.Database).
		Msg("connected to database")
	return db, nil
}
