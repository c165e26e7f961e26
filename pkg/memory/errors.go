package memory

import "errors"

var (
	// ErrNotFound is returned when a record id is outside the store's log.
	ErrNotFound = errors.New("memory: record not found")

	// ErrTypeMismatch is returned when an in-place revision targets a record
	// that is not a [KindReflection]. Callers must add a new record instead.
	ErrTypeMismatch = errors.New("memory: record kind does not allow revision")

	// ErrNoEmbedder is returned by embedding lookups on a store constructed
	// without an embeddings provider.
	ErrNoEmbedder = errors.New("memory: no embeddings provider configured")
)
