// Package storage persists signed operations so a replica can restart
// without re-fetching its stores from peers.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"lens/pkg/codec"
	"lens/pkg/document"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial operations table
// 1 - (store, signer) index
const currentSchemaVersion = 1

// OpLog is a SQLite-backed log of admitted operations shared by every
// store on a replica. It satisfies store.Log. Operations are keyed by
// hash; a signer may have any number of operations at the same clock.
type OpLog struct {
	db *sql.DB
}

// Open creates or opens the log at path. Pass ":memory:" for a
// throwaway log.
func Open(path string) (*OpLog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite has a single writer; one connection also keeps ":memory:"
	// databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &OpLog{db: db}, nil
}

// Close closes the database.
func (l *OpLog) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Append stores op. Appending an operation already in the log is a no-op.
func (l *OpLog) Append(op *document.Operation) error {
	body, err := codec.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}
	_, err = l.db.Exec(`
		INSERT OR IGNORE INTO operations (store, hash, signer, clock, kind, doc_id, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.Store, op.Hash(), op.Signer.String(), op.Clock, string(op.Kind), op.ID, body)
	if err != nil {
		return fmt.Errorf("insert operation %s: %w", op, err)
	}
	return nil
}

// Load returns every operation for store in arrival order.
func (l *OpLog) Load(store string) ([]*document.Operation, error) {
	rows, err := l.db.QueryContext(context.Background(),
		`SELECT body FROM operations WHERE store = ? ORDER BY position ASC`, store)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var ops []*document.Operation
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op := new(document.Operation)
		if err := codec.Unmarshal(body, op); err != nil {
			return nil, fmt.Errorf("decode operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

// Count returns the number of operations logged per store.
func (l *OpLog) Count(ctx context.Context) (map[string]int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT store, COUNT(*) FROM operations GROUP BY store`)
	if err != nil {
		return nil, fmt.Errorf("count operations: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[name] = n
	}
	return counts, rows.Err()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return runMigrations(db)
}

// runMigrations applies incremental migrations keyed on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.Exec(`
			CREATE INDEX IF NOT EXISTS idx_operations_signer
			ON operations(store, signer)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
