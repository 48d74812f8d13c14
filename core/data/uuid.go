package data

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// UUID wraps google/uuid.UUID for transparent SQLite BLOB storage.
// Implements sql.Scanner and driver.Valuer.
type UUID struct {
	uuid.UUID
}

// NewUUID generates a UUIDv7. Sequential (timestamp + counter) identifiers
// keep B-tree inserts append-only, which matters for the job table.
func NewUUID() UUID {
	return UUID{UUID: uuid.Must(uuid.NewV7())}
}

// ParseUUID parses a UUID string.
func ParseUUID(s string) (UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, err
	}
	return UUID{UUID: id}, nil
}

// String returns the canonical text form of the UUID.
func (u UUID) String() string {
	return u.UUID.String()
}

// Bytes returns the 16-byte binary form of the UUID.
func (u UUID) Bytes() []byte {
	return u.UUID[:]
}

// IsZero reports whether the UUID is the nil UUID.
func (u UUID) IsZero() bool {
	return u.UUID == uuid.Nil
}

// Value implements driver.Valuer. UUIDs are stored as 16-byte BLOBs rather
// than 36-byte TEXT to keep index pages dense.
func (u UUID) Value() (driver.Value, error) {
	if u.IsZero() {
		return nil, nil
	}
	return u.Bytes(), nil
}

// Scan implements sql.Scanner. Accepts BLOB (16 bytes) and TEXT (36 bytes)
// for compatibility with databases written before the BLOB convention.
func (u *UUID) Scan(src any) error {
	if src == nil {
		u.UUID = uuid.Nil
		return nil
	}

	switch v := src.(type) {
	case []byte:
		if len(v) == 16 {
			id, err := uuid.FromBytes(v)
			if err != nil {
				return fmt.Errorf("invalid UUID bytes: %w", err)
			}
			u.UUID = id
			return nil
		}
		if len(v) == 36 {
			id, err := uuid.Parse(string(v))
			if err != nil {
				return fmt.Errorf("invalid UUID string: %w", err)
			}
			u.UUID = id
			return nil
		}
		return fmt.Errorf("invalid UUID bytes length: %d (expected 16 or 36)", len(v))

	case string:
		id, err := uuid.Parse(v)
		if err != nil {
			return fmt.Errorf("invalid UUID string: %w", err)
		}
		u.UUID = id
		return nil

	default:
		return fmt.Errorf("unsupported UUID type: %T", src)
	}
}
