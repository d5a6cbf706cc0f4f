package models

import (
	"database/sql"
	"sync"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

var (
	db   *sql.DB
	dbMu sync.RWMutex // Serialize writers; change/mapping rows are multi-statement
)

// InitDB opens the DuckDB database at the given path and runs migrations.
// Pass an empty path for an in-memory database.
func InitDB(path string) error {
	var err error

	db, err = sql.Open("duckdb", path)
	if err != nil {
		return serr.Wrap(err, "failed to open database", "path", path)
	}

	if err := migrateDB(db); err != nil {
		return serr.Wrap(err, "failed to migrate database")
	}

	logger.Info("Database initialized", "path", path)
	return nil
}

// InitTestDB initializes a throwaway database for tests
func InitTestDB(path string) error {
	return InitDB(path)
}

// CloseDB closes the database connection
func CloseDB() {
	if db != nil {
		db.Close()
		db = nil
	}
}

// Exec runs a write statement under the writer lock
func Exec(query string, args ...interface{}) (sql.Result, error) {
	dbMu.Lock()
	defer dbMu.Unlock()

	return db.Exec(query, args...)
}

// Query runs a read query under the reader lock
func Query(query string, args ...interface{}) (*sql.Rows, error) {
	dbMu.RLock()
	defer dbMu.RUnlock()

	return db.Query(query, args...)
}

// QueryRow runs a single-row query under the reader lock
func QueryRow(query string, args ...interface{}) *sql.Row {
	dbMu.RLock()
	defer dbMu.RUnlock()

	return db.QueryRow(query, args...)
}

// Tx wraps a transaction so Commit/Rollback release the writer lock
// exactly once.
type Tx struct {
	tx   *sql.Tx
	done bool
}

// BeginTx starts a write transaction, holding the writer lock until
// Commit or Rollback.
func BeginTx() (*Tx, error) {
	dbMu.Lock()

	tx, err := db.Begin()
	if err != nil {
		dbMu.Unlock()
		return nil, serr.Wrap(err, "failed to begin transaction")
	}

	return &Tx{tx: tx}, nil
}

// Exec executes a statement within the transaction
func (t *Tx) Exec(query string, args ...interface{}) (sql.Result, error) {
	return t.tx.Exec(query, args...)
}

// Query runs a query within the transaction
func (t *Tx) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.Query(query, args...)
}

// QueryRow runs a single-row query within the transaction
func (t *Tx) QueryRow(query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRow(query, args...)
}

// Commit commits the transaction and releases the writer lock
func (t *Tx) Commit() error {
	defer func() {
		t.done = true
		dbMu.Unlock()
	}()

	if err := t.tx.Commit(); err != nil {
		return serr.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// Rollback rolls back the transaction; safe to defer after Commit
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	defer func() {
		t.done = true
		dbMu.Unlock()
	}()

	return t.tx.Rollback()
}
