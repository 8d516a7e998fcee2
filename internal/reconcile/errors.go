package reconcile

import "errors"

var (
	// ErrContended is returned when the mutation lock for a natural key
	// could not be acquired within the configured timeout. The store was
	// not touched; callers may retry.
	ErrContended = errors.New("reconcile: lock contended")

	// ErrNotFound is returned by read operations and lifecycle transitions
	// that require an existing record.
	ErrNotFound = errors.New("reconcile: record not found")

	// ErrNoIdentity is returned when a mutation carries neither a surrogate
	// id nor a natural key, or a create would be performed without a
	// natural key.
	ErrNoIdentity = errors.New("reconcile: mutation carries no usable identity")
)
