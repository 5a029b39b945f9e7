package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies the relay schema in one transaction. Every statement is idempotent, so
// running it at each start is safe.
func Migrate(ctx context.Context, tx Transactor, db Executor) error {
	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	return tx.WithinTransaction(ctx, func(ctx context.Context) error {
		for _, name := range names {
			sql, err := migrationFiles.ReadFile(name)
			if err != nil {
				return fmt.Errorf("read %s: %w", name, err)
			}
			if _, err := executor(ctx, db).Exec(ctx, string(sql)); err != nil {
				return fmt.Errorf("apply %s: %w", name, err)
			}
		}
		return nil
	})
}
