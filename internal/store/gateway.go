package store

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
)

// Gateway is the parametrized query surface over world.db. All writes are
// serialized by an internal mutex (single-writer SQLite).
type Gateway struct {
	db *sql.DB
	mu sync.Mutex
}

// NewGateway wraps an opened database.
func NewGateway(db *sql.DB) *Gateway {
	return &Gateway{db: db}
}

// DB exposes the raw handle for maintenance statements.
func (g *Gateway) DB() *sql.DB {
	return g.db
}

// SelectRows runs SELECT columns FROM table [WHERE cond] and returns the
// result set as generic rows.
func (g *Gateway) SelectRows(table string, columns []string, cond string, args ...any) ([]Row, error) {
	query := "SELECT " + strings.Join(columns, ", ") + " FROM " + table
	if cond != "" {
		query += " WHERE " + cond
	}

	rows, err := g.db.Query(query, args...)
	if err != nil {
		log.Printf("[store] query failed: %s: %v", query, err)
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("select %s: columns: %w", table, err)
	}

	var result []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("select %s: scan: %w", table, err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// Insert runs INSERT … RETURNING id and returns the adopted key.
func (g *Gateway) Insert(table string, cols []string, vals []any) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		table, strings.Join(cols, ", "), placeholders)

	var id int64
	if err := g.db.QueryRow(query, vals...).Scan(&id); err != nil {
		log.Printf("[store] query failed: %s: %v", query, err)
		return 0, fmt.Errorf("insert %s: %w", table, err)
	}
	return id, nil
}

// Update runs UPDATE table SET col=? … WHERE id=? and returns the number
// of affected rows.
func (g *Gateway) Update(table string, cols []string, vals []any, id int64) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(sets, ", "))

	res, err := g.db.Exec(query, append(vals, id)...)
	if err != nil {
		log.Printf("[store] query failed: %s: %v", query, err)
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	return res.RowsAffected()
}

// Delete removes the row with the given id and returns the affected count.
func (g *Gateway) Delete(table string, id int64) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", table)
	res, err := g.db.Exec(query, id)
	if err != nil {
		log.Printf("[store] query failed: %s: %v", query, err)
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	return res.RowsAffected()
}

// Exec runs an arbitrary statement (child-table writes, maintenance).
func (g *Gateway) Exec(query string, args ...any) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.db.Exec(query, args...); err != nil {
		log.Printf("[store] query failed: %s: %v", query, err)
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// Tx runs fn inside a transaction, rolling back on error.
func (g *Gateway) Tx(fn func(tx *sql.Tx) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	tx, err := g.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
