// Package engine executes dispatched tool calls against the client-resident
// dataset. The data lives in an in-process SQLite database and never leaves
// the machine; only result rows travel back to the server.
package engine

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/quarrylabs/quarry/pkg/store"
)

// Engine wraps an in-memory SQLite database holding the user's dataset.
type Engine struct {
	db *sql.DB
}

// New opens an empty in-memory engine.
func New() (*Engine, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open data engine: %w", err)
	}
	// A :memory: database exists per connection; a second connection would
	// see an empty database.
	db.SetMaxOpenConns(1)
	return &Engine{db: db}, nil
}

// Close releases the database.
func (e *Engine) Close() error {
	return e.db.Close()
}

// LoadTable creates a table and inserts the given rows. Column affinity is
// inferred from the first non-nil value seen per column.
func (e *Engine) LoadTable(name string, columns []string, rows []map[string]any) error {
	if name == "" {
		return fmt.Errorf("table name is required")
	}
	if len(columns) == 0 {
		return fmt.Errorf("table %q has no columns", name)
	}

	defs := make([]string, len(columns))
	for i, col := range columns {
		defs[i] = fmt.Sprintf("%s %s", quoteIdent(col), inferAffinity(col, rows))
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(defs, ", "))
	if _, err := e.db.Exec(ddl); err != nil {
		return fmt.Errorf("failed to create table %q: %w", name, err)
	}

	return e.insertRows(name, columns, rows)
}

func (e *Engine) insertRows(name string, columns []string, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}

	quoted := make([]string, len(columns))
	holders := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = quoteIdent(col)
		holders[i] = "?"
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(name), strings.Join(quoted, ", "), strings.Join(holders, ", "))

	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin insert: %w", err)
	}
	prepared, err := tx.Prepare(stmt)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer prepared.Close()

	args := make([]any, len(columns))
	for _, row := range rows {
		for i, col := range columns {
			args[i] = row[col]
		}
		if _, err := prepared.Exec(args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert into %q: %w", name, err)
		}
	}
	return tx.Commit()
}

// Schema summarizes the loaded tables for the analyze request: column names,
// a handful of sample rows, and the row count per table.
func (e *Engine) Schema(sampleRows int) ([]store.Table, error) {
	names, err := e.tableNames()
	if err != nil {
		return nil, err
	}

	out := make([]store.Table, 0, len(names))
	for _, name := range names {
		table := store.Table{Name: name}

		table.Columns, err = e.columnNames(name)
		if err != nil {
			return nil, err
		}

		row := e.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(name)))
		if err := row.Scan(&table.RowCount); err != nil {
			return nil, fmt.Errorf("failed to count %q: %w", name, err)
		}

		if sampleRows > 0 {
			table.SampleRows, err = e.RunQuery(fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(name), sampleRows))
			if err != nil {
				return nil, err
			}
		}
		out = append(out, table)
	}
	return out, nil
}

// RunQuery executes a read query and returns its rows as generic maps.
func (e *Engine) RunQuery(query string) ([]map[string]any, error) {
	rows, err := e.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}

	out := []map[string]any{}
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return out, nil
}

// RunTransform executes transform SQL over previous step results. The chosen
// step's rows are staged as a temporary table named "source", and every
// recorded step as a table under its own key, so the query can join across
// steps. All staging tables are dropped afterwards.
func (e *Engine) RunTransform(code string, sourceRows []map[string]any, stepRows map[string][]map[string]any) ([]map[string]any, error) {
	if len(sourceRows) == 0 {
		return nil, fmt.Errorf("transform source step has no rows")
	}

	var staged []string
	defer func() {
		for _, name := range staged {
			e.db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS temp.%s", quoteIdent(name)))
		}
	}()

	if err := e.stageTempTable("source", sourceRows); err != nil {
		return nil, err
	}
	staged = append(staged, "source")

	keys := make([]string, 0, len(stepRows))
	for key := range stepRows {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		rows := stepRows[key]
		// Errored or empty steps carry no rows, so there are no columns to
		// stage; referencing such a table fails inside the query instead.
		if len(rows) == 0 {
			continue
		}
		if err := e.stageTempTable(key, rows); err != nil {
			return nil, err
		}
		staged = append(staged, key)
	}

	return e.RunQuery(code)
}

func (e *Engine) stageTempTable(name string, rows []map[string]any) error {
	columns := columnOrder(rows[0])
	defs := make([]string, len(columns))
	for i, col := range columns {
		defs[i] = fmt.Sprintf("%s %s", quoteIdent(col), inferAffinity(col, rows))
	}
	ddl := fmt.Sprintf("CREATE TEMP TABLE %s (%s)", quoteIdent(name), strings.Join(defs, ", "))
	if _, err := e.db.Exec(ddl); err != nil {
		return fmt.Errorf("failed to stage transform table %q: %w", name, err)
	}
	return e.insertRows(name, columns, rows)
}

func (e *Engine) tableNames() ([]string, error) {
	rows, err := e.db.Query("SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (e *Engine) columnNames(table string) ([]string, error) {
	rows, err := e.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table %q: %w", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

// columnOrder gives a stable column ordering for staging map rows.
func columnOrder(row map[string]any) []string {
	columns := make([]string, 0, len(row))
	for col := range row {
		columns = append(columns, col)
	}
	sort.Strings(columns)
	return columns
}

func inferAffinity(column string, rows []map[string]any) string {
	for _, row := range rows {
		switch row[column].(type) {
		case nil:
			continue
		case int, int32, int64:
			return "INTEGER"
		case float32, float64:
			return "REAL"
		case bool:
			return "INTEGER"
		default:
			return "TEXT"
		}
	}
	return "TEXT"
}

// normalizeValue maps driver types to JSON-friendly ones.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	default:
		return v
	}
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
