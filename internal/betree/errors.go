package betree

import "errors"

var (
	// ErrDuplicateKey is returned when inserting content that is already stored.
	ErrDuplicateKey = errors.New("key already stored")

	// ErrNotFound is returned when a key is not in the tree.
	ErrNotFound = errors.New("key not found")

	// ErrCorruptStore is returned when the directory layout does not describe a
	// valid tree, or when an earlier filesystem failure left the in-memory tree
	// out of step with the disk.
	ErrCorruptStore = errors.New("corrupt store")

	// ErrIO wraps every failing filesystem call made by the store.
	ErrIO = errors.New("store i/o failure")
)
