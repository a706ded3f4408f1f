package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/luvvix/dm-core/internal/config"
	"github.com/luvvix/dm-core/internal/store"
)

func main() {
	app := &cli.App{
		Name:  "dm-migrate",
		Usage: "Apply or roll back the direct-messaging schema",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Postgres connection `URL` (defaults to DATABASE_URL)",
				EnvVars: []string{"DATABASE_URL"},
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.LoadMigrate()
			if err != nil && c.String("database-url") == "" {
				return err
			}
			config.SetupLogging(cfg.Log, "migrate")
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply all pending migrations",
				Action: func(c *cli.Context) error {
					return withMigrator(c, func(m *migrate.Migrate) error {
						return ignoreNoChange(m.Up())
					})
				},
			},
			{
				Name:  "down",
				Usage: "Roll back `N` migrations (default 1)",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "steps", Aliases: []string{"n"}, Value: 1},
				},
				Action: func(c *cli.Context) error {
					steps := c.Int("steps")
					if steps < 1 {
						return fmt.Errorf("steps must be positive, got %d", steps)
					}
					return withMigrator(c, func(m *migrate.Migrate) error {
						return ignoreNoChange(m.Steps(-steps))
					})
				},
			},
			{
				Name:  "version",
				Usage: "Print the current schema version",
				Action: func(c *cli.Context) error {
					return withMigrator(c, func(m *migrate.Migrate) error {
						v, dirty, err := m.Version()
						if errors.Is(err, migrate.ErrNilVersion) {
							fmt.Println("no migrations applied")
							return nil
						}
						if err != nil {
							return err
						}
						fmt.Printf("version %d (dirty: %t)\n", v, dirty)
						return nil
					})
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func withMigrator(c *cli.Context, fn func(*migrate.Migrate) error) error {
	dsn := c.String("database-url")
	if dsn == "" {
		return errors.New("database url is required")
	}
	m, err := store.NewMigrator(dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := fn(m); err != nil {
		return fmt.Errorf("%s: %w", c.Command.Name, err)
	}
	log.Info().Str("command", c.Command.Name).Msg("migration finished")
	return nil
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}
