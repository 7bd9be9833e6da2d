// Package dbtest provides an in-memory SQLite database carrying the same
// tables as the production MySQL schema, so repository and engine tests run
// the real SQL without a server.
package dbtest

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/bay-reservation/internal/database"
)

//go:embed schema.sql
var schema string

// SQLite is the dialect used against the test database.  SQLite has no row
// locks; with a single connection every transaction is already serialized.
var SQLite = database.Dialect{
	Name:         "sqlite3",
	LockSuffix:   "",
	InsertIgnore: "INSERT OR IGNORE INTO",
	Retryable: func(err error) bool {
		var se sqlite3.Error
		if errors.As(err, &se) {
			return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
		}
		return false
	},
	Duplicate: func(err error) bool {
		var se sqlite3.Error
		return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
	},
}

// Open returns a migrated in-memory database that is closed when the test
// ends.  The pool is pinned to one connection so that every caller sees the
// same in-memory database.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=1")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.Migrate(context.Background(), db, schema))
	return db
}

// Runner returns a transaction runner over db with a short retry delay.
func Runner(db *sql.DB) *database.TxRunner {
	return database.NewTxRunner(db, SQLite, database.RetryConfig{Delay: time.Millisecond}, nil)
}

// SeedBay inserts an active bay and returns its id.
func SeedBay(t testing.TB, db *sql.DB, name string) uint64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO bays (name, active) VALUES (?, 1)`, name)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return uint64(id)
}

// SeedSlots inserts n consecutive OPEN slots of length step starting at
// start and returns their ids in order.
func SeedSlots(t testing.TB, db *sql.DB, bayID uint64, start time.Time, step time.Duration, n int) []uint64 {
	t.Helper()
	ids := make([]uint64, 0, n)
	at := database.Time(start)
	for i := 0; i < n; i++ {
		res, err := db.Exec(`INSERT INTO slots (bay_id, start_at, end_at, status) VALUES (?, ?, ?, 'OPEN')`,
			bayID, at, at.Add(step))
		require.NoError(t, err)
		id, err := res.LastInsertId()
		require.NoError(t, err)
		ids = append(ids, uint64(id))
		at = at.Add(step)
	}
	return ids
}

// SlotStatuses returns the current status of every slot in ids, in the same
// order.
func SlotStatuses(t testing.TB, db *sql.DB, ids []uint64) []string {
	t.Helper()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		var status string
		require.NoError(t, db.QueryRow(`SELECT status FROM slots WHERE id = ?`, id).Scan(&status))
		out = append(out, status)
	}
	return out
}

// SeedProfile writes a membership profile the way the billing subsystem
// would.
func SeedProfile(t testing.TB, db *sql.DB, customerID uint64, tier, status string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO membership_profiles (customer_id, tier, status) VALUES (?, ?, ?)`,
		customerID, tier, status)
	require.NoError(t, err)
}

// Repeat returns a slice with v repeated n times, handy for status
// assertions.
func Repeat(v string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = v
	}
	return out
}
