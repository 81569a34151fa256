package store

import "errors"

var (
	ErrNotFound   = errors.New("store: appointment not found")
	ErrIDConflict = errors.New("store: id already in use by a different appointment")
	ErrStaleJobID = errors.New("store: job id is not greater than the locator's current job id")
)
