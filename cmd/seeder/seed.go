package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"go.uber.org/zap"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// seedFiles runs each file as one multi-statement exec, in order, stopping
// at the first failure.
func seedFiles(ctx context.Context, db execer, files []string, log *zap.Logger) error {
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}

		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute %s: %w", file, err)
		}
		log.Info("seeded", zap.String("file", file))
	}

	log.Info("database seeding completed", zap.Int("files", len(files)))
	return nil
}
