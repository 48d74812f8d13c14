package data

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/extractkit/pekserve/dbopen"
	_ "modernc.org/sqlite"
)

func TestUUID_RoundTripBlob(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if _, err := db.Exec("CREATE TABLE t (id BLOB PRIMARY KEY)"); err != nil {
		t.Fatal(err)
	}

	id := NewUUID()
	if _, err := db.Exec("INSERT INTO t (id) VALUES (?)", id); err != nil {
		t.Fatal(err)
	}

	var got UUID
	if err := db.QueryRow("SELECT id FROM t").Scan(&got); err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Fatalf("round-trip: got %s, want %s", got, id)
	}

	// Stored form is a 16-byte BLOB, not the 36-char text form.
	var size int
	db.QueryRow("SELECT length(id) FROM t").Scan(&size)
	if size != 16 {
		t.Fatalf("stored size: got %d", size)
	}
}

func TestUUID_ScanTextForm(t *testing.T) {
	id := NewUUID()

	var fromText UUID
	if err := fromText.Scan(id.String()); err != nil {
		t.Fatal(err)
	}
	if fromText != id {
		t.Fatalf("text scan: got %s", fromText)
	}

	var fromTextBytes UUID
	if err := fromTextBytes.Scan([]byte(id.String())); err != nil {
		t.Fatal(err)
	}
	if fromTextBytes != id {
		t.Fatalf("text-bytes scan: got %s", fromTextBytes)
	}
}

func TestUUID_ScanInvalid(t *testing.T) {
	var u UUID
	if err := u.Scan([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for bad byte length")
	}
	if err := u.Scan(42); err == nil {
		t.Fatal("expected error for unsupported type")
	}
}

func TestUUID_ZeroValue(t *testing.T) {
	var u UUID
	if !u.IsZero() {
		t.Fatal("zero UUID should report IsZero")
	}
	v, err := u.Value()
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Fatalf("zero UUID should store NULL, got %v", v)
	}
}

func TestUUID_V7Ordering(t *testing.T) {
	// UUIDv7 is time-ordered: later IDs sort after earlier ones.
	a := NewUUID()
	b := NewUUID()
	if string(a.Bytes()) >= string(b.Bytes()) {
		t.Fatalf("v7 ordering violated: %s >= %s", a, b)
	}
}

func TestParseUUID(t *testing.T) {
	id := NewUUID()
	parsed, err := ParseUUID(id.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != id {
		t.Fatalf("parse: got %s", parsed)
	}

	if _, err := ParseUUID("not-a-uuid"); err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}

func TestRunTransaction_CommitAndRollback(t *testing.T) {
	db := dbopen.OpenMemory(t)
	db.Exec("CREATE TABLE t (n INTEGER)")

	err := RunTransaction(db, func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO t (n) VALUES (1)")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err = RunTransaction(db, func(tx *sql.Tx) error {
		tx.Exec("INSERT INTO t (n) VALUES (2)")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM t").Scan(&count)
	if count != 1 {
		t.Fatalf("row count after rollback: got %d", count)
	}
}

func TestExecWithRetry(t *testing.T) {
	db := dbopen.OpenMemory(t)
	db.Exec("CREATE TABLE t (n INTEGER)")

	res, err := ExecWithRetry(db, "INSERT INTO t (n) VALUES (?)", 7)
	if err != nil {
		t.Fatal(err)
	}
	n, _ := res.RowsAffected()
	if n != 1 {
		t.Fatalf("rows affected: got %d", n)
	}
}
