package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	fileStorePermissions      = 0o600
	directoryStorePermissions = 0o755
	temporaryFilePattern      = ".store-*.tmp"
)

type fileStore struct {
	mutex   sync.Mutex
	path    string
	records map[string]json.RawMessage
}

// OpenFile loads the JSON document at path. A missing document starts empty and
// so does an undecodable one; the next Save replaces it.
//
// #nosec G304
func OpenFile(path string) (Store, error) {
	store := &fileStore{path: path, records: make(map[string]json.RawMessage)}
	contents, readError := os.ReadFile(path)
	if readError != nil {
		if errors.Is(readError, os.ErrNotExist) {
			return store, nil
		}
		return nil, fmt.Errorf("read store %s: %w", path, readError)
	}
	if len(contents) == 0 {
		return store, nil
	}
	var decoded map[string]json.RawMessage
	if json.Unmarshal(contents, &decoded) == nil && decoded != nil {
		store.records = decoded
	}
	return store, nil
}

func (store *fileStore) Get(key string) ([]byte, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	value, found := store.records[key]
	return cloneBytes(value), found, nil
}

// Set requires value to be a JSON document; it is embedded verbatim.
func (store *fileStore) Set(key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("%w: %s", ErrInvalidValue, key)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.records[key] = json.RawMessage(cloneBytes(value))
	return nil
}

func (store *fileStore) Delete(key string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.records, key)
	return nil
}

// Save writes the document to a temporary file and renames it into place.
func (store *fileStore) Save() error {
	store.mutex.Lock()
	contents, marshalError := json.Marshal(store.records)
	store.mutex.Unlock()
	if marshalError != nil {
		return fmt.Errorf("encode store: %w", marshalError)
	}

	directory := filepath.Dir(store.path)
	if mkdirError := os.MkdirAll(directory, directoryStorePermissions); mkdirError != nil {
		return fmt.Errorf("create store directory %s: %w", directory, mkdirError)
	}
	temporaryFile, createError := os.CreateTemp(directory, temporaryFilePattern)
	if createError != nil {
		return fmt.Errorf("create temporary store file: %w", createError)
	}
	temporaryPath := temporaryFile.Name()
	if _, writeError := temporaryFile.Write(contents); writeError != nil {
		_ = temporaryFile.Close()
		_ = os.Remove(temporaryPath)
		return fmt.Errorf("write temporary store file: %w", writeError)
	}
	if closeError := temporaryFile.Close(); closeError != nil {
		_ = os.Remove(temporaryPath)
		return fmt.Errorf("close temporary store file: %w", closeError)
	}
	if chmodError := os.Chmod(temporaryPath, fileStorePermissions); chmodError != nil {
		_ = os.Remove(temporaryPath)
		return fmt.Errorf("chmod temporary store file: %w", chmodError)
	}
	if renameError := os.Rename(temporaryPath, store.path); renameError != nil {
		_ = os.Remove(temporaryPath)
		return fmt.Errorf("replace store %s: %w", store.path, renameError)
	}
	return nil
}

func (*fileStore) Close() error { return nil }
