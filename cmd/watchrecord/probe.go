package main

import (
	"context"
	"database/sql"
	"fmt"
)

// probeSchema checks that the tables the store writes to exist.
func probeSchema(ctx context.Context, db *sql.DB) error {
	for _, table := range []string{"watches", "triggered_watches"} {
		var name sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT to_regclass($1)::text", table).Scan(&name); err != nil {
			return fmt.Errorf("probe %s: %w", table, err)
		}
		if !name.Valid {
			return fmt.Errorf("table %s does not exist", table)
		}
	}
	return nil
}
