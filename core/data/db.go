// Package data holds SQLite plumbing shared by the job queue and the
// observability store: UUID BLOB storage and busy-retry helpers.
package data

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

const maxRetries = 3

// RunTransaction executes fn inside a transaction, retrying on SQLITE_BUSY.
func RunTransaction(db *sql.DB, fn func(*sql.Tx) error) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		tx, err := db.Begin()
		if err != nil {
			if attempt < maxRetries-1 {
				continue
			}
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		err = fn(tx)
		if err != nil {
			tx.Rollback()
			if attempt < maxRetries-1 && isBusyError(err) {
				continue
			}
			return err
		}

		err = tx.Commit()
		if err != nil {
			if attempt < maxRetries-1 && isBusyError(err) {
				continue
			}
			return fmt.Errorf("failed to commit transaction: %w", err)
		}

		return nil
	}

	return fmt.Errorf("transaction failed after %d retries", maxRetries)
}

// ExecWithRetry executes a statement, retrying on SQLITE_BUSY.
func ExecWithRetry(db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		result, err := db.Exec(query, args...)
		if err != nil {
			if attempt < maxRetries-1 && isBusyError(err) {
				continue
			}
			return nil, err
		}
		return result, nil
	}

	return nil, fmt.Errorf("exec failed after %d retries", maxRetries)
}

// QueryWithRetry executes a query, retrying on SQLITE_BUSY.
func QueryWithRetry(db *sql.DB, query string, args ...interface{}) (*sql.Rows, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		rows, err := db.Query(query, args...)
		if err != nil {
			if attempt < maxRetries-1 && isBusyError(err) {
				continue
			}
			return nil, err
		}
		return rows, nil
	}

	return nil, fmt.Errorf("query failed after %d retries", maxRetries)
}

// SafeTxRollback rolls back a transaction and logs failures other than
// "already committed". Meant for use in defer.
func SafeTxRollback(tx *sql.Tx, op string) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		slog.Warn("tx rollback failed", "op", op, "error", err)
	}
}

// isBusyError reports whether err is an SQLITE_BUSY lock contention error.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
