package repository

import "errors"

var (
	ErrNotFound = errors.New("record not found")
	ErrNotReady = errors.New("listing not ready for review")
)
