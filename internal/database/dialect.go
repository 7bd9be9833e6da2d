package database

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// Dialect captures the few SQL differences between the production MySQL
// store and the SQLite database used by tests.
type Dialect struct {
	Name string
	// LockSuffix is appended to SELECTs that must lock the rows they read
	// for the rest of the transaction.
	LockSuffix string
	// InsertIgnore starts an INSERT that silently skips duplicate keys.
	InsertIgnore string
	// Retryable reports transient serialization failures (deadlocks, lock
	// wait timeouts) that are worth retrying as a whole transaction.
	Retryable func(error) bool
	// Duplicate reports unique-key violations.
	Duplicate func(error) bool
}

// MySQL error numbers treated as transient.
const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
	mysqlDuplicateEntry  = 1062
)

// MySQL is the production dialect.
var MySQL = Dialect{
	Name:         "mysql",
	LockSuffix:   "FOR UPDATE",
	InsertIgnore: "INSERT IGNORE INTO",
	Retryable: func(err error) bool {
		var me *mysql.MySQLError
		if errors.As(err, &me) {
			return me.Number == mysqlDeadlock || me.Number == mysqlLockWaitTimeout
		}
		return false
	},
	Duplicate: func(err error) bool {
		var me *mysql.MySQLError
		return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
	},
}

// ForUpdate appends the locking clause, if any, to a SELECT.
func (d Dialect) ForUpdate(query string) string {
	if d.LockSuffix == "" {
		return query
	}
	return query + " " + d.LockSuffix
}

// IsRetryable reports whether err is a transient serialization failure.
func (d Dialect) IsRetryable(err error) bool {
	if err == nil || d.Retryable == nil {
		return false
	}
	return d.Retryable(err)
}

// IsDuplicate reports whether err is a unique-key violation.
func (d Dialect) IsDuplicate(err error) bool {
	if err == nil || d.Duplicate == nil {
		return false
	}
	return d.Duplicate(err)
}
