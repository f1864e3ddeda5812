//cmd/seeder/main.go
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/db"
	"github.com/unclebandit/campaign-mailer/internal/logger"
)

var defaultSeedFiles = []string{
	"seed/senders.sql",
	"seed/campaigns.sql",
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "seeder",
		Short:        "Apply the schema and load seed data",
		SilenceUsage: true,
	}

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema (idempotent)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, conn *sql.DB, log *zap.Logger) error {
				if err := db.Migrate(ctx, conn); err != nil {
					return err
				}
				log.Info("schema applied")
				return nil
			})
		},
	})

	var skipMigrate bool
	seed := &cobra.Command{
		Use:   "seed [file.sql ...]",
		Short: "Run seed SQL files (defaults to seed/senders.sql and seed/campaigns.sql)",
		RunE: func(cmd *cobra.Command, args []string) error {
			files := args
			if len(files) == 0 {
				files = defaultSeedFiles
			}
			return withDB(cmd.Context(), func(ctx context.Context, conn *sql.DB, log *zap.Logger) error {
				if !skipMigrate {
					if err := db.Migrate(ctx, conn); err != nil {
						return err
					}
				}
				return seedFiles(ctx, conn, files, log)
			})
		},
	}
	seed.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply the schema first")
	root.AddCommand(seed)

	return root
}

func withDB(ctx context.Context, fn func(ctx context.Context, conn *sql.DB, log *zap.Logger) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return err
	}
	defer log.Sync()

	conn, err := db.Open(ctx, cfg.PostgresDSN, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	return fn(ctx, conn, log)
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
