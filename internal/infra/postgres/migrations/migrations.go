// Package migrations holds the bun schema migrations for quiz definitions and quiz-run statistics.
package migrations

import (
	"context"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

// Migrations holds every schema change, applied by `quizlive migrate` and at server start.
var Migrations = migrate.NewMigrations()

// execSQL runs one embedded script. Migration names come from the registering file name.
func execSQL(query string) migrate.MigrationFunc {
	return func(ctx context.Context, db *bun.DB) error {
		_, err := db.ExecContext(ctx, query)
		return err
	}
}
