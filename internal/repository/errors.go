// Package repository defines the store interfaces the SSO components depend
// on, together with in-memory and MySQL implementations.  The sentinel errors
// below are shared by every implementation so that components can tell a
// missing record from a backend failure without knowing which store they were
// given.
package repository

import "errors"

// ErrNotFound is returned when the requested record does not exist (or has
// already been consumed).  Components translate it into their own
// caller-facing outcome.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a create collides with an existing record,
// such as a duplicate username or client id.  Handlers should translate
// this into an HTTP 409 response.
var ErrConflict = errors.New("conflict")
