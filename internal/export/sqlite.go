package export

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// DefaultTable is the table WriteSQLite fills when none is named.
const DefaultTable = "log"

// WriteSQLite stores t in the SQLite database at path. The table is
// recreated with one TEXT column per log column plus an integer "_row"
// key holding the line order.
func WriteSQLite(ctx context.Context, path, table string, t *Table) error {
	if table == "" {
		table = DefaultTable
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	name := quoteIdent(table)
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}

	defs := []string{`"_row" INTEGER PRIMARY KEY`}
	cols := []string{`"_row"`}
	marks := []string{"?"}
	for _, c := range t.Columns {
		defs = append(defs, quoteIdent(c)+" TEXT")
		cols = append(cols, quoteIdent(c))
		marks = append(marks, "?")
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", name, strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		name, strings.Join(cols, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, len(cols))
	for i, row := range t.Rows {
		args[0] = i + 1
		for j, v := range row {
			args[j+1] = v
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert row %d: %w", i+1, err)
		}
	}

	return tx.Commit()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
