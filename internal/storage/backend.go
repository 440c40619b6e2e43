// Package storage implements the server-side storage layer: a polymorphic
// object store backend (spec.md §4.5) plus a manager that composes a
// backend with usage accounting, and a policy engine that enforces quotas
// and eviction.
package storage

import (
	"io"
	"time"
)

// ObjectInfo is the backend-reported metadata for a stored key.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Backend is a small capability set modeling an opaque object store:
// put/get/delete/exists/stat/list. Modeled as a capability set rather than
// a deep inheritance hierarchy per spec.md §9 ("avoid deep inheritance
// hierarchies"). The local filesystem backend (fsbackend.go) is the
// default; a remote object store (s3backend.go) can be substituted because
// nothing outside this file depends on a concrete implementation.
type Backend interface {
	Put(key string, r io.Reader, size int64) error
	Get(key string) (io.ReadCloser, error)
	Delete(key string) error
	Exists(key string) (bool, error)
	Stat(key string) (ObjectInfo, error)
	List(prefix string) ([]string, error)
}

// StoredObject is the server-side record the storage manager tracks for
// every object a backend holds, read by the policy engine for eviction
// decisions (spec.md §3 stored_object).
type StoredObject struct {
	Key          string
	Size         int64
	CreatedAt    time.Time
	LastAccessAt time.Time
	AccessCount  uint64
}
