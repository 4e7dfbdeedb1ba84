package store

import "errors"

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("store: key not found")

// Store is the durable or in-memory key-value layer behind the ledger
// and risk registries. Aggregates are stored as encoded bytes so the
// implementation can be swapped (memory, file, networked) without
// touching business logic.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error

	// List returns all entries under a key prefix. Used for startup
	// recovery scans.
	List(prefix string) (map[string][]byte, error)
}
