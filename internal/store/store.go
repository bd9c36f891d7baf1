// Package store persists small keyed records such as the token cache.
package store

import (
	"errors"
	"fmt"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

var (
	// ErrUnknownBackend is returned by Open for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown store backend")
	// ErrInvalidValue is returned by the file store for values that are not JSON.
	ErrInvalidValue = errors.New("store value is not valid JSON")
)

// Store is a keyed record store. Writes may be staged until Save.
type Store interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Save() error
	Close() error
}

// Open returns the store for backend rooted at path. An empty backend selects
// the JSON file store.
func Open(backend string, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFile:
		return OpenFile(path)
	case BackendBolt:
		return OpenBolt(path)
	case BackendMemory:
		return Memory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

func cloneBytes(value []byte) []byte {
	if value == nil {
		return nil
	}
	cloned := make([]byte, len(value))
	copy(cloned, value)
	return cloned
}
