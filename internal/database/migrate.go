package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed schema/mysql.sql
var MySQLSchema string

// Migrate executes every statement of ddl in order.  Statements are
// separated by semicolons at the end of a line; lines starting with "--"
// are ignored.  All statements are written with IF NOT EXISTS so running
// Migrate twice is harmless.
func Migrate(ctx context.Context, db *sql.DB, ddl string) error {
	for i, stmt := range splitStatements(ddl) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i+1, err)
		}
	}
	return nil
}

func splitStatements(ddl string) []string {
	var (
		out []string
		cur strings.Builder
	)
	for _, line := range strings.Split(ddl, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			stmt := strings.TrimSuffix(strings.TrimSpace(cur.String()), ";")
			if stmt != "" {
				out = append(out, stmt)
			}
			cur.Reset()
		}
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}
