package sync

import "errors"

var (
	// ErrAccessDenied means the tenant-membership check failed. The
	// connection is rejected and never admitted to any room.
	ErrAccessDenied = errors.New("access denied")

	// ErrNotJoined means the connection has not joined a tenant room yet.
	ErrNotJoined = errors.New("connection has not joined a tenant")

	// ErrNotFound means a referenced conflict or queue item no longer
	// exists. Benign when caused by duplicate client retries.
	ErrNotFound = errors.New("not found")

	// ErrInvalidStrategy means an unrecognized conflict resolution strategy.
	ErrInvalidStrategy = errors.New("invalid resolution strategy")

	// ErrQueueFull means the per-user offline queue cap was reached.
	ErrQueueFull = errors.New("offline queue is full")
)
