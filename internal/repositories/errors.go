package repositories

import "errors"

// ErrNotFound is returned by Get* methods when no matching record exists.
// Callers distinguish it from infrastructure errors via errors.Is.
var ErrNotFound = errors.New("record not found")
