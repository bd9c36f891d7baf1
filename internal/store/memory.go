package store

import "sync"

type memoryStore struct {
	mutex   sync.Mutex
	records map[string][]byte
}

// Memory returns a process-local store. Save and Close are no-ops.
func Memory() Store {
	return &memoryStore{records: make(map[string][]byte)}
}

func (store *memoryStore) Get(key string) ([]byte, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	value, found := store.records[key]
	return cloneBytes(value), found, nil
}

func (store *memoryStore) Set(key string, value []byte) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.records[key] = cloneBytes(value)
	return nil
}

func (store *memoryStore) Delete(key string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.records, key)
	return nil
}

func (*memoryStore) Save() error { return nil }

func (*memoryStore) Close() error { return nil }
