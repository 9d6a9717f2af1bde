package store

import "errors"

// ErrNotFound is returned by Store methods when the requested record does
// not exist. Callers check for it explicitly with errors.Is.
var ErrNotFound = errors.New("store: record not found")
