package kv

import "errors"

var (
	// ErrDBClosed is returned when trying to operate on a closed backend
	ErrDBClosed = errors.New("kv backend is closed")

	// ErrKeyNotFound is returned when a key doesn't exist in the backend
	ErrKeyNotFound = errors.New("key not found")

	// ErrBatchOperationFailed is returned when a batch operation fails
	ErrBatchOperationFailed = errors.New("batch operation failed")
)
