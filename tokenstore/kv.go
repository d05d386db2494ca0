package tokenstore

import "errors"

// ErrKeyNotFound is returned by KV implementations for missing keys.
var ErrKeyNotFound = errors.New("key not found")

// KV is the durable, synchronous key-value medium the store persists into.
// Each call must be atomic for its key.
type KV interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// BatchKV is implemented by media that can apply several keys in one atomic step.
// The store prefers it so a crash never leaves a partial session behind.
type BatchKV interface {
	KV
	SetMany(values map[string]string) error
	DeleteMany(keys ...string) error
}
