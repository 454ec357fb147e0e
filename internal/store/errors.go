package store

import "errors"

var (
	ErrNotFound         = errors.New("record not found")
	ErrConflictNotFound = errors.New("conflict not found")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrStoreUnavailable = errors.New("local store unavailable")
)
