// Package repository holds the SQL data access for bays, slots, block-outs,
// bookings, membership profiles and checkout sessions.  Methods suffixed
// with Tx run inside a caller-owned transaction; read helpers that are used
// both inside and outside transactions accept a database.Querier.  The
// caller commits or rolls back.
package repository

import "errors"

// ErrNotFound is returned when a lookup by primary or natural key matches
// no row.  Higher layers translate it into their own not-found outcome.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert violates a unique key, such as
// creating a second bay with an existing name.  Handlers should translate
// this into an HTTP 409 response.
var ErrDuplicate = errors.New("duplicate")
