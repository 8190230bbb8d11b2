package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gokatarajesh/pollquiz/db/migrations"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
}

func newRootCmd() *cobra.Command {
	var dir string

	root := &cobra.Command{
		Use:           "migrator",
		Short:         "Apply the quiz database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dir, "dir", "", "read migrations from this directory instead of the embedded set")

	run := func(name string, fn func(db *sql.DB, dir string) error) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: "goose " + name,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				db, err := openDB()
				if err != nil {
					return err
				}
				defer db.Close()

				source := "."
				if dir != "" {
					goose.SetBaseFS(nil)
					source = dir
				} else {
					goose.SetBaseFS(migrations.FS)
				}
				goose.SetTableName("goose_db_version")
				if err := goose.SetDialect("postgres"); err != nil {
					return err
				}

				if err := fn(db, source); err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				log.Info().Str("command", name).Msg("migrations done")
				return nil
			},
		}
	}

	root.AddCommand(
		run("up", func(db *sql.DB, dir string) error { return goose.Up(db, dir) }),
		run("down", func(db *sql.DB, dir string) error { return goose.Down(db, dir) }),
		run("status", func(db *sql.DB, dir string) error { return goose.Status(db, dir) }),
	)
	return root
}

func openDB() (*sql.DB, error) {
	pgHost := getEnv("PG_HOST", "localhost")
	pgPort := getEnv("PG_PORT", "5432")
	pgUser := os.Getenv("PG_USER")
	pgPassword := os.Getenv("PG_PASSWORD")
	pgDatabase := os.Getenv("PG_DATABASE")
	pgSSLMode := getEnv("PG_SSL_MODE", "disable")

	for name, value := range map[string]string{"PG_USER": pgUser, "PG_PASSWORD": pgPassword, "PG_DATABASE": pgDatabase} {
		if value == "" {
			return nil, fmt.Errorf("%s environment variable is required", name)
		}
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		pgHost, pgPort, pgUser, pgPassword, pgDatabase, pgSSLMode)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info().
		Str("host", pgHost).
		Str("port", pgPort).
		Str("database", pgDatabase).
		Msg("connected to database")
	return db, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
